package models

// ExecutionResult is the uniform return shape from every handler invocation.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Event   string `json:"event,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failure builds a failed result carrying an error message.
func Failure(message string) *ExecutionResult {
	return &ExecutionResult{Success: false, Error: message}
}

// Succeed builds a successful result carrying an output value.
func Succeed(output any) *ExecutionResult {
	return &ExecutionResult{Success: true, Output: output}
}
