// Package engine defines the boundary to the browser-automation engine and
// provides the rod-backed implementation used in production.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Options carries the per-agent browser settings into session creation
type Options struct {
	Headless       bool
	Persistent     bool
	ViewportWidth  int
	ViewportHeight int
}

// Engine opens browser sessions against named profiles. Sessions are not
// shared across agents; profile exclusivity is enforced above this layer.
type Engine interface {
	// OpenSession opens a browser session bound to the given profile.
	// Blocks until the session is confirmed open or failed.
	OpenSession(ctx context.Context, profileID string, opts Options) (Session, error)
}

// Session is one live browser session owned by a single agent runtime
type Session interface {
	// RunTask executes a task with the compiled instruction prefix. It
	// honors ctx cancellation cooperatively.
	RunTask(ctx context.Context, instruction string, input string) (string, error)

	// CaptureScreenshot returns a PNG of the current page, best-effort
	CaptureScreenshot(ctx context.Context) ([]byte, error)

	// Close tears down the session
	Close(ctx context.Context) error
}

// FatalError wraps an engine fault that invalidates the whole session, as
// opposed to a task-level failure. The runtime transitions to error and
// closes the session when it sees one.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal engine fault: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err invalidates the session
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
