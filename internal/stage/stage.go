// Package stage owns the per-session purity-test state machine and the
// detection pipeline that drives it.
package stage

// Stage is the current phase of a purity test.
type Stage string

const (
	StageRubbing Stage = "rubbing"
	StageAcid    Stage = "acid"
	StageDone    Stage = "done"
)

func (s Stage) rank() int {
	switch s {
	case StageRubbing:
		return 0
	case StageAcid:
		return 1
	case StageDone:
		return 2
	}
	return -1
}

// Valid reports whether s is one of the three known stages.
func (s Stage) Valid() bool { return s.rank() >= 0 }

// Before reports whether s precedes o in the test ordering.
func (s Stage) Before(o Stage) bool { return s.rank() < o.rank() }

// DetectionStatus is the detection portion of a status update.
type DetectionStatus struct {
	RubbingDetected bool   `json:"rubbing_detected"`
	AcidDetected    bool   `json:"acid_detected"`
	GoldPurity      string `json:"gold_purity,omitempty"`
	Message         string `json:"message,omitempty"`
}

// StatusUpdate is the client-facing session status. It is comparable so
// the broadcaster can suppress duplicates.
type StatusUpdate struct {
	SessionID       string          `json:"session_id"`
	CurrentTask     Stage           `json:"current_task"`
	Detection       DetectionStatus `json:"detection_status"`
	ConnectionState string          `json:"connection_state"`
}
