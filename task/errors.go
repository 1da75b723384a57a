package task

import "errors"

var (
	// ErrInvalidArgument classifies caller-supplied values that are
	// structurally wrong. No function of this package returns it at present.
	ErrInvalidArgument = errors.New("task: invalid argument")

	// ErrPrecondition is returned when an operation is attempted from a state
	// that does not allow it: running a task that is not NotStarted (for
	// example re-running it), running the no-op task, submitting to a closed
	// Scheduler, calling SetResult outside Running, or a synchronous run
	// requested on the main thread without opting in. Running a task that
	// was removed from its Scheduler's registry is not detected.
	ErrPrecondition = errors.New("task: precondition violated")

	// ErrForeignTask is returned when a task is handed to a scheduler that
	// did not create it.
	ErrForeignTask = errors.New("task: foreign task")

	// ErrBodyFailure wraps the cause stored by a failed task body. It is the
	// error returned from RunSync(rethrow=true) and is also reachable via
	// errors.Is/errors.As against the stored cause.
	ErrBodyFailure = errors.New("task: body failed")

	// ErrNoResult is returned by Function.Result when the task finished
	// without ever calling SetResult.
	ErrNoResult = errors.New("task: finished without a result")
)
