package protocol

import "fmt"

// ClientChannel carries client-status responses back to the driver.
const ClientChannel = "tool-meister-client"

// KeyPids is the bus key under which the orchestrator persists the PidTable.
const KeyPids = "tm-pids"

// KeyToolMetadata is the bus key under which the orchestrator stages the
// tool metadata registry for the run.
const KeyToolMetadata = "tm-tool-metadata"

// SinkParamKey names the bus key holding the sink parameter blob for a group.
func SinkParamKey(group string) string {
	return fmt.Sprintf("tds-%s", group)
}

// MeisterParamKey names the bus key holding the per-host tool meister
// parameter blob.
func MeisterParamKey(group, host string) string {
	return fmt.Sprintf("tm-%s-%s", group, host)
}

// StartedChannel names the channel on which liveness messages are published.
func StartedChannel(channel string) string {
	return channel + "-start"
}

// LoggingChannel names the channel onto which remote tool meisters relay
// their log records.
func LoggingChannel(channel string) string {
	return channel + "-logging"
}

// MeisterParams is the per-tool-meister parameter blob staged by the
// orchestrator under MeisterParamKey before the tool meister subscribes.
type MeisterParams struct {
	BenchmarkRunDir string            `json:"benchmark_run_dir"`
	Channel         string            `json:"channel"`
	Controller      string            `json:"controller"`
	Group           string            `json:"group"`
	Hostname        string            `json:"hostname"`
	Tools           map[string]string `json:"tools"`
}

// SinkParams is the sink parameter blob staged under SinkParamKey.
type SinkParams struct {
	BenchmarkRunDir string `json:"benchmark_run_dir"`
	Channel         string `json:"channel"`
	Group           string `json:"group"`
}
