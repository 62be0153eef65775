// Package apperr holds the error kinds shared by the generation-session core.
// Callers wrap them with fmt.Errorf("...: %w") and test with errors.Is.
package apperr

import "errors"

var (
	// ErrTransport marks a dropped or refused connection.
	ErrTransport = errors.New("transport error")

	// ErrProtocol marks a malformed or unexpected frame. The frame is discarded.
	ErrProtocol = errors.New("protocol error")

	// ErrStateInvariant marks a rejected session mutation. Prior state is kept.
	ErrStateInvariant = errors.New("state invariant violation")

	ErrArtifactFetch  = errors.New("artifact fetch failed")
	ErrRetryExhausted = errors.New("artifact retry already used")

	// ErrUserInput and its children never reach the network layer.
	ErrUserInput         = errors.New("invalid user input")
	ErrEmptyAnswer       = &userInputError{msg: "answer must not be empty"}
	ErrMissingIdentifier = &userInputError{msg: "missing project or session identifier"}

	// ErrInconsistentSession is raised when a session claims to be generating
	// but has no connection to resume from.
	ErrInconsistentSession = errors.New("generation session is inconsistent; please submit again")

	ErrInvalidTransition = errors.New("invalid flow transition")
)

type userInputError struct {
	msg string
}

func (e *userInputError) Error() string { return e.msg }

func (e *userInputError) Unwrap() error { return ErrUserInput }

// IsUserFacing reports whether err should be shown to the user as a dismissible notice.
func IsUserFacing(err error) bool {
	return errors.Is(err, ErrUserInput) ||
		errors.Is(err, ErrArtifactFetch) ||
		errors.Is(err, ErrRetryExhausted) ||
		errors.Is(err, ErrInconsistentSession) ||
		errors.Is(err, ErrTransport)
}
