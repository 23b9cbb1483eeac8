// Package validation runs server-side checks on a single form value and
// reflects the answer in the control's validity indicator.
package validation

const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

// Request invokes one named command with positional string arguments.
type Request struct {
	Command string   `json:"rpc_command"`
	Args    []string `json:"args"`
}

// Response carries the command's boolean answer. Status is fail when the
// command is unknown or raised an error, in which case Error explains why.
type Response struct {
	Result bool   `json:"result"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
