// Package status owns the build stage state machine and pushes stage
// transitions to subscribers without ever letting a slow observer stall the
// pipeline.
package status

import (
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/record"
)

// forward is the happy path in execution order. failed is reachable from any
// non-terminal stage; cancelled only from queued (pre-claim).
var forward = map[record.Stage]record.Stage{
	record.StageQueued:     record.StageGenerating,
	record.StageGenerating: record.StageBuilding,
	record.StageBuilding:   record.StageTesting,
	record.StageTesting:    record.StagePublishing,
	record.StagePublishing: record.StageDeploying,
	record.StageDeploying:  record.StageSucceeded,
}

func terminal(s record.Stage) bool {
	switch s {
	case record.StageSucceeded, record.StageFailed, record.StageCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from→to is a legal edge. No stage is ever
// skipped or revisited.
func CanTransition(from, to record.Stage) bool {
	if terminal(from) {
		return false
	}
	if to == record.StageFailed {
		return true
	}
	if to == record.StageCancelled {
		return from == record.StageQueued
	}
	return forward[from] == to
}

// Sequence returns the ordered happy-path stages, queued through succeeded.
func Sequence() []record.Stage {
	out := make([]record.Stage, 0, len(forward)+1)
	s := record.StageQueued
	for {
		out = append(out, s)
		next, ok := forward[s]
		if !ok {
			return out
		}
		s = next
	}
}
