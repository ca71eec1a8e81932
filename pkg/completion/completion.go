package completion

import (
	"github.com/harun/appgen/pkg/marker"
	"github.com/harun/appgen/pkg/upstream"
)

// Outcome is the classification of one finished upstream turn
type Outcome int

const (
	// FileBoundary means the turn stopped at an intra-app marker; keep going
	FileBoundary Outcome = iota + 1
	// AppFinished means the assistant signaled the whole app is done
	AppFinished
	// LengthTruncated means the output limit cut the turn; keep going
	LengthTruncated
	// TransientFailure means the call itself failed
	TransientFailure
)

func (o Outcome) String() string {
	switch o {
	case FileBoundary:
		return "file_boundary"
	case AppFinished:
		return "app_finished"
	case LengthTruncated:
		return "length_truncated"
	case TransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

// Continues reports whether the conversation should request another turn
func (o Outcome) Continues() bool {
	return o == FileBoundary || o == LengthTruncated
}

// Classify decides the outcome of a turn from the upstream stop condition,
// the call error and the scanner's observation of the turn's text.
//
// A reported stop literal takes precedence over anything seen in the text.
// Terminal markers seen in the text count as a finish for providers that
// cannot report which stop literal fired.
func Classify(stop upstream.Stop, callErr error, obs marker.Observation) Outcome {
	if callErr != nil {
		return TransientFailure
	}

	if kind, ok := marker.KindOf(stop.Sequence); ok {
		if kind.Terminal() {
			return AppFinished
		}
		return FileBoundary
	}

	if obs.Terminal {
		return AppFinished
	}

	if stop.Reason == upstream.StopMaxTokens {
		return LengthTruncated
	}

	// natural end of turn without a marker: ask for the next file
	return FileBoundary
}
