package lock

import "github.com/gofrs/uuid/v5"

// NewSessionToken generates a fresh opaque session token suitable for
// CallerContext.Token. The Manager never requires tokens to look like
// this — any non-empty string works — but applications that have no
// session-token scheme of their own can use this as a default.
func NewSessionToken() string {
	return uuid.Must(uuid.NewV4()).String()
}
