package session

import (
	"os"
	"path/filepath"
	"strings"
)

// File names inside a state directory. These form the durable contract
// between the supervisor, the loop engine, and any future process that
// resumes a run by reading the same files.
const (
	PlanPromptFile  = "plan-prompt.md"
	BuildPromptFile = "build-prompt.md"
	PlanOutputFile  = "plan-output.json"
	BuildOutputFile = "build-output.json"
	PlanFile        = "PLAN.md"
	ThreadIDFile    = "thread-id"
)

// CompletionMarker is the literal substring in the plan artifact that
// signals the run is complete.
const CompletionMarker = "STATUS: DONE"

// Snapshot is the on-demand view of a run's durable artifacts. Fields are
// empty when the underlying file does not exist yet.
type Snapshot struct {
	PlanOutput  string `json:"planOutput"`
	BuildOutput string `json:"buildOutput"`
	Plan        string `json:"plan"`
	ThreadID    string `json:"threadId"`
}

// ReadSnapshot reads the artifact files under stateDir. Absent files are
// tolerated; the snapshot always reflects the latest writes.
func ReadSnapshot(stateDir string) Snapshot {
	return Snapshot{
		PlanOutput:  readFileOrEmpty(filepath.Join(stateDir, PlanOutputFile)),
		BuildOutput: readFileOrEmpty(filepath.Join(stateDir, BuildOutputFile)),
		Plan:        readFileOrEmpty(filepath.Join(stateDir, PlanFile)),
		ThreadID:    ReadThreadID(stateDir),
	}
}

// PlanPath returns the plan artifact path for a state directory.
func PlanPath(stateDir string) string {
	return filepath.Join(stateDir, PlanFile)
}

// PlanDone reports whether the plan artifact signals completion.
func PlanDone(stateDir string) bool {
	return strings.Contains(readFileOrEmpty(PlanPath(stateDir)), CompletionMarker)
}

// ReadThreadID returns the persisted conversation handle, or "" when none
// has been written yet.
func ReadThreadID(stateDir string) string {
	return strings.TrimSpace(readFileOrEmpty(filepath.Join(stateDir, ThreadIDFile)))
}

// WriteThreadID persists the conversation handle as plain text.
func WriteThreadID(stateDir, threadID string) error {
	return os.WriteFile(filepath.Join(stateDir, ThreadIDFile), []byte(strings.TrimSpace(threadID)+"\n"), 0o600)
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
