package task

// State is a task's position in its lifecycle state machine.
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Finishing
	Finished
	Failing
	Failed
	Cancelling
	Canceled
	TimingOut
	TimedOut
	Terminated
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Finishing:
		return "finishing"
	case Finished:
		return "finished"
	case Failing:
		return "failing"
	case Failed:
		return "failed"
	case Cancelling:
		return "cancelling"
	case Canceled:
		return "canceled"
	case TimingOut:
		return "timing_out"
	case TimedOut:
		return "timed_out"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// terminal reports whether the state is final; no further transitions are
// possible once a task reaches one of these.
func (s State) terminal() bool {
	switch s {
	case Finished, Failed, Canceled, TimedOut, Terminated:
		return true
	default:
		return false
	}
}

// family groups a state with its "…ing" intermediate and final twin. Every
// non-NotStarted, non-Terminated state belongs to exactly one family; a
// handler family is "allowed to fire" only while the task is in that
// family's intermediate or final member.
type family int

const (
	familyNone family = iota
	familyStart
	familyFinish
	familyFail
	familyCancel
	familyTimeout
	familyTerminate
)

func (s State) family() family {
	switch s {
	case Starting, Running:
		return familyStart
	case Finishing, Finished:
		return familyFinish
	case Failing, Failed:
		return familyFail
	case Cancelling, Canceled:
		return familyCancel
	case TimingOut, TimedOut:
		return familyTimeout
	case Terminated:
		return familyTerminate
	default:
		return familyNone
	}
}

// Priority is a scheduling hint propagated to the worker pool. The numeric
// values are significant: they are the raw hints passed to the scheduler's
// priority queue, matching the enum's values in the spec this engine
// implements.
type Priority int

const (
	Low          Priority = -10
	BelowNormal  Priority = -1
	Normal       Priority = 0
	AboveNormal  Priority = 1
	High         Priority = 10
)
