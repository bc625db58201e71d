// Package protocol defines the wire messages exchanged between the benchmark
// driver, the tool data sink, and the tool meisters over the control bus.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Lifecycle actions published by the benchmark driver.
const (
	ActionInit      = "init"
	ActionStart     = "start"
	ActionStop      = "stop"
	ActionSend      = "send"
	ActionEnd       = "end"
	ActionSysinfo   = "sysinfo"
	ActionTerminate = "terminate"
)

// AllowedActions is the full set of action verbs a driver may publish.
var AllowedActions = map[string]bool{
	ActionInit:      true,
	ActionStart:     true,
	ActionStop:      true,
	ActionSend:      true,
	ActionEnd:       true,
	ActionSysinfo:   true,
	ActionTerminate: true,
}

// Action is the state-transition message published on the run channel.
// Group and Directory are pointers so a wire "null" survives a round trip;
// field order matches the canonical (alphabetically sorted) encoding.
type Action struct {
	Action    string          `json:"action"`
	Args      json.RawMessage `json:"args"`
	Directory *string         `json:"directory"`
	Group     *string         `json:"group"`
}

// Dir returns the directory token, or "" when absent.
func (a *Action) Dir() string {
	if a.Directory == nil {
		return ""
	}
	return *a.Directory
}

// GroupName returns the tool group name, or "" when absent.
func (a *Action) GroupName() string {
	if a.Group == nil {
		return ""
	}
	return *a.Group
}

// TerminateArgs is the args payload of a "terminate" action.
type TerminateArgs struct {
	Interrupt bool `json:"interrupt"`
}

// Interrupted reports whether a terminate action carries an interrupt flag.
func (a *Action) Interrupted() bool {
	if len(a.Args) == 0 {
		return false
	}
	var ta TerminateArgs
	if err := json.Unmarshal(a.Args, &ta); err != nil {
		return false
	}
	return ta.Interrupt
}

// SysinfoItems decodes the args payload of a "sysinfo" action.
func (a *Action) SysinfoItems() ([]string, error) {
	if len(a.Args) == 0 {
		return nil, fmt.Errorf("sysinfo action carries no args")
	}
	var items []string
	if err := json.Unmarshal(a.Args, &items); err != nil {
		return nil, fmt.Errorf("sysinfo args not a string list: %w", err)
	}
	return items, nil
}

var actionKeys = map[string]bool{
	"action":    true,
	"args":      true,
	"directory": true,
	"group":     true,
}

// ParseAction decodes and validates an action payload. The key set must be
// exactly {action, args, directory, group} and the action verb must be one of
// AllowedActions; anything else is rejected so a misbehaving publisher cannot
// drive a state machine with a partial message.
func ParseAction(payload []byte) (*Action, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("action payload not JSON: %w", err)
	}
	if len(raw) != len(actionKeys) {
		return nil, fmt.Errorf("unrecognized keys in action payload, %q", payload)
	}
	for k := range raw {
		if !actionKeys[k] {
			return nil, fmt.Errorf("unrecognized key %q in action payload", k)
		}
	}
	var a Action
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("malformed action payload: %w", err)
	}
	if !AllowedActions[a.Action] {
		return nil, fmt.Errorf("unrecognized action %q in payload", a.Action)
	}
	return &a, nil
}

// Encode renders the action in its canonical wire form.
func (a *Action) Encode() ([]byte, error) {
	return json.Marshal(a)
}
