package harness

import "context"

// SandboxPolicy controls the filesystem access granted to an agent turn.
type SandboxPolicy string

const (
	// SandboxReadOnly denies all writes.
	SandboxReadOnly SandboxPolicy = "read-only"
	// SandboxWorkspaceWrite allows writes inside the working directory.
	SandboxWorkspaceWrite SandboxPolicy = "workspace-write"
	// SandboxDangerFullAccess removes sandbox restrictions entirely.
	SandboxDangerFullAccess SandboxPolicy = "danger-full-access"
)

// ApprovalPolicy controls when the agent pauses for human confirmation.
type ApprovalPolicy string

const (
	// ApprovalUntrusted requires confirmation for every command.
	ApprovalUntrusted ApprovalPolicy = "untrusted"
	// ApprovalOnFailure requires confirmation only after a failed command.
	ApprovalOnFailure ApprovalPolicy = "on-failure"
	// ApprovalOnRequest lets the agent ask when it wants confirmation.
	ApprovalOnRequest ApprovalPolicy = "on-request"
	// ApprovalNever suppresses all confirmation prompts.
	ApprovalNever ApprovalPolicy = "never"
)

// TurnRequest describes one request/response exchange with an agent CLI.
type TurnRequest struct {
	Prompt   string
	Workdir  string
	ThreadID string
	Model    string
	Sandbox  SandboxPolicy
	Approval ApprovalPolicy
}

// Item is one structured output item produced during a turn.
type Item struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage reports token consumption for a turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TurnResult captures the outcome of one agent turn. Raw holds the
// unparsed CLI output so callers can persist it verbatim.
type TurnResult struct {
	ThreadID  string
	FinalText string
	Items     []Item
	Usage     Usage
	Raw       []byte
}

// Executor runs one agent turn to completion. Implementations may block
// for an unbounded duration; cancellation flows through ctx.
type Executor interface {
	ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)
}
