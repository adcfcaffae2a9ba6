package coverage

import "fmt"

// State is the lifecycle position of a coverage run.
//
//	Created -> Instrumented -> Recording -> Collected -> Analyzed -> Scored
//
// Any state before Scored may move to Failed.
type State uint8

const (
	StateCreated State = iota
	StateInstrumented
	StateRecording
	StateCollected
	StateAnalyzed
	StateScored
	StateFailed
)

var stateNames = [...]string{
	StateCreated:      "created",
	StateInstrumented: "instrumented",
	StateRecording:    "recording",
	StateCollected:    "collected",
	StateAnalyzed:     "analyzed",
	StateScored:       "scored",
	StateFailed:       "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// next reports whether a run may move from s to t.
func (s State) next(t State) bool {
	switch t {
	case StateFailed:
		return s < StateScored
	case StateScored:
		return s == StateAnalyzed
	}
	return t == s+1 && s < StateAnalyzed
}
