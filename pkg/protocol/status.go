package protocol

import (
	"encoding/json"
	"fmt"
)

// Responder kinds.
const (
	KindDataSink    = "ds"
	KindToolMeister = "tm"
)

// StatusSuccess is the client-status value reported when an action completed
// with zero failures.
const StatusSuccess = "success"

// ClientStatus is published by the sink and every tool meister after each
// action. Status is either StatusSuccess or a human-readable error summary.
type ClientStatus struct {
	Hostname string `json:"hostname"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
}

// Liveness is published once on the "<channel>-start" channel when a sink or
// tool meister has subscribed and is ready for action messages.
type Liveness struct {
	Hostname string `json:"hostname"`
	Kind     string `json:"kind"`
	PID      int    `json:"pid"`
}

// PidTable is the orchestrator's record of every spawned process, staged
// under KeyPids for the sink to read on its first state change.
type PidTable struct {
	DS Liveness   `json:"ds"`
	TM []Liveness `json:"tm"`
}

// ParseClientStatus decodes a client-status payload, rejecting unknown kinds.
func ParseClientStatus(payload []byte) (*ClientStatus, error) {
	var cs ClientStatus
	if err := json.Unmarshal(payload, &cs); err != nil {
		return nil, fmt.Errorf("client status payload not JSON: %w", err)
	}
	if cs.Kind != KindDataSink && cs.Kind != KindToolMeister {
		return nil, fmt.Errorf("unrecognized client status kind %q", cs.Kind)
	}
	return &cs, nil
}

// ParseLiveness decodes a liveness payload, rejecting unknown kinds.
func ParseLiveness(payload []byte) (*Liveness, error) {
	var lv Liveness
	if err := json.Unmarshal(payload, &lv); err != nil {
		return nil, fmt.Errorf("liveness payload not JSON: %w", err)
	}
	if lv.Kind != KindDataSink && lv.Kind != KindToolMeister {
		return nil, fmt.Errorf("unrecognized liveness kind %q", lv.Kind)
	}
	return &lv, nil
}
