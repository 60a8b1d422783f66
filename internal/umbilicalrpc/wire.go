package umbilicalrpc

// Wire types exchanged over the JSON codec. Field names are lowerCamel
// to keep the wire payloads compact; the Go-side umbilical package uses
// its own, unrelated field names.

type launchRequest struct {
	ProcessName     string   `json:"processName"`
	Variant         string   `json:"variant"`
	Executable      string   `json:"executable,omitempty"`
	Argv            []string `json:"argv,omitempty"`
	Env             []string `json:"env,omitempty"`
	ZygoteProcessID string   `json:"zygoteProcessId,omitempty"`
	Module          string   `json:"module,omitempty"`
	EntryPoint      string   `json:"entryPoint,omitempty"`
	User            string   `json:"user,omitempty"`
	Group           string   `json:"group,omitempty"`
	Cgroup          string   `json:"cgroup,omitempty"`
	Interactive     bool     `json:"interactive,omitempty"`
	Notify          bool     `json:"notify,omitempty"`
}

type launchResponse struct {
	ProcessID string `json:"processId"`
	PID       int    `json:"pid"`
}

type stopRequest struct {
	ProcessID      string `json:"processId"`
	GraceSignalSec int32  `json:"graceSignalSec"`
	KillSec        int32  `json:"killSec"`
}

type sendInputRequest struct {
	ProcessID string `json:"processId"`
	FD        int    `json:"fd"`
	Data      []byte `json:"data"`
}

type closeFdRequest struct {
	ProcessID string `json:"processId"`
	FD        int    `json:"fd"`
}

type telemetryCommandRequest struct {
	ProcessID string `json:"processId"`
	Command   []byte `json:"command"`
}

type empty struct{}

// eventEnvelope is the single message type streamed back by Events; Kind
// selects which of the optional fields are populated.
type eventEnvelope struct {
	Kind       string `json:"kind"`
	ProcessID  string `json:"processId"`
	PID        int    `json:"pid,omitempty"`
	ExitStatus int    `json:"exitStatus,omitempty"`
	Signal     int    `json:"signal,omitempty"`
	Core       bool   `json:"core,omitempty"`
	FD         int    `json:"fd,omitempty"`
	Output     []byte `json:"output,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
}

type eventsRequest struct{}
