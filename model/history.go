package model

import "time"

// History represents a single covgrade run as stored in history.json.
type History struct {
	// Unique ID for this execution (16 random bytes, hex encoded)
	ID string `json:"id"`
	// Timestamp when the execution started
	Timestamp time.Time `json:"timestamp"`
	// Command-line arguments (including command name)
	Args []string `json:"args"`
	// Working directory where command was run (relative to repo root)
	WorkDir string `json:"workdir"`
	// Exit code of the execution
	ExitCode int `json:"exit_code"`
	// Duration of execution
	Duration time.Duration `json:"duration"`
	// Git information
	Git *Git `json:"git,omitempty"`
	// Target execution environment
	Target *Target `json:"target,omitempty"`
	// Artifacts generated during this run
	Artifacts []Artifact `json:"artifacts,omitempty"`

	Coverage *CoverageRun `json:"coverage,omitempty"`
}

// Git contains git repository information
type Git struct {
	// Git commit hash at time of execution
	Commit string `json:"commit,omitempty"`
	// Git branch at time of execution
	Branch string `json:"branch,omitempty"`
	// Repository name
	Repo string `json:"repo,omitempty"`
}

// Target contains information about the execution environment
type Target struct {
	OS   string `json:"os,omitempty"`
	Arch string `json:"arch,omitempty"`
}

// CoverageRun holds the outcome of a graded coverage run.
type CoverageRun struct {
	// Class under test and test artifact, relative to the module root
	Class      string `json:"class"`
	Tests      string `json:"tests"`
	ImportPath string `json:"import_path,omitempty"`
	// Final state of the run (e.g. "scored", "failed")
	State string `json:"state"`

	BranchRatio float64 `json:"branch_ratio"`
	LineRatio   float64 `json:"line_ratio"`

	Scorer   string  `json:"scorer"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score"`
	Status   string  `json:"status"`
	Message  string  `json:"message"`

	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Aborted int `json:"aborted"`
	Skipped int `json:"skipped"`

	// Non-fatal test discovery failure, if any
	TestError string `json:"test_error,omitempty"`
}

// ArtifactType identifies the type of artifact
type ArtifactType uint8

const (
	ArtifactTypeHitProfile ArtifactType = iota
	ArtifactTypeCoverProfile
	ArtifactTypeTestOutput
	ArtifactTypeResult
)

// String returns the short name shown by list.
func (t ArtifactType) String() string {
	switch t {
	case ArtifactTypeHitProfile:
		return "profile"
	case ArtifactTypeCoverProfile:
		return "coverprofile"
	case ArtifactTypeTestOutput:
		return "output"
	case ArtifactTypeResult:
		return "result"
	}
	return "unknown"
}

// Artifact represents a file generated during execution
type Artifact struct {
	Type ArtifactType `json:"type"`
	Size uint64       `json:"size"`
	File string       `json:"file"` // relative to run dir
}

// Artifact returns the first artifact of type t, or nil.
func (h *History) Artifact(t ArtifactType) *Artifact {
	for i := range h.Artifacts {
		if h.Artifacts[i].Type == t {
			return &h.Artifacts[i]
		}
	}
	return nil
}
