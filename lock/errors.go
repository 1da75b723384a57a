package lock

import "errors"

var (
	// ErrInvalidArgument is returned when a caller passes an empty resource
	// set, a nil callback, or another structurally invalid argument.
	ErrInvalidArgument = errors.New("lock: invalid argument")

	// ErrUnknownAdministrator is returned when a CallerContext's username
	// does not resolve via the configured EntityStore.
	ErrUnknownAdministrator = errors.New("lock: administrator does not exist")

	// ErrAcquireFailed names the case where one or more requested resources
	// are held by an incompatible, non-expired lock owned by someone else.
	// Manager's acquire methods do not return it: they report that case as
	// false with a nil error.
	ErrAcquireFailed = errors.New("lock: could not acquire all requested locks")

	// ErrUnknownResourceKind is returned by ParseResourceKey for a string
	// that is not of the form "<EntitySet>#<id>" or "<EntitySet>*".
	ErrUnknownResourceKind = errors.New("lock: unrecognized resource key")
)
