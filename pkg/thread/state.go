package thread

import (
	"time"

	"github.com/threadwell/loom/pkg/message"
)

// Kind discriminates the conversation state union
type Kind string

const (
	KindStopped    Kind = "stopped"
	KindInFlight   Kind = "message-in-flight"
	KindError      Kind = "error"
	KindYielded    Kind = "yielded"
	KindCompacting Kind = "compacting"
)

// State is the conversation state of a thread. Kind selects which of
// the remaining fields carry meaning: SendDate for message-in-flight,
// StopReason/Usage for stopped, Err/RecoveredInput for error, Response
// for yielded.
type State struct {
	Kind           Kind
	SendDate       time.Time
	StopReason     message.StopReason
	Usage          message.Usage
	Err            error
	RecoveredInput string
	Response       string
}

// Idle is the state of a freshly created thread
func Idle() State {
	return State{Kind: KindStopped}
}

// Busy reports whether the thread has work outstanding
func (s State) Busy() bool {
	return s.Kind == KindInFlight || s.Kind == KindCompacting
}

// Terminal reports whether the thread reached an outcome a watching
// parent treats as final: yielded, fatal error, or an aborted stop.
func (s State) Terminal() bool {
	switch s.Kind {
	case KindYielded, KindError:
		return true
	case KindStopped:
		return s.StopReason == message.StopAborted
	default:
		return false
	}
}
