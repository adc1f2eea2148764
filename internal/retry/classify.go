// Package retry decides which failures are worth repeating and paces every
// request a crawl makes against a source domain.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/Simerblur/online-data-mining/internal/extract"
	"github.com/Simerblur/online-data-mining/internal/fetch"
	"github.com/Simerblur/online-data-mining/internal/identity"
	"github.com/Simerblur/online-data-mining/internal/session"
)

// Class is the retry decision for an error.
type Class int

const (
	// Retryable failures are transient: throttling, server errors, timeouts,
	// lost sessions and anti-bot challenges.
	Retryable Class = iota
	// Terminal failures will not improve on repetition.
	Terminal
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "terminal"
}

var retryableStatus = map[int]bool{
	402: true,
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// RetryableStatus reports whether an HTTP status is worth another attempt.
func RetryableStatus(code int) bool {
	return retryableStatus[code]
}

// Exhausted is returned once a retryable failure persisted through every
// allowed attempt.
type Exhausted struct {
	Attempts int
	Err      error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Exhausted) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as terminal regardless of what it wraps.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify maps an error to Retryable or Terminal. Unknown errors are
// treated as transport failures and retried; the attempt bound keeps that
// finite.
func Classify(err error) Class {
	if err == nil {
		return Terminal
	}

	var (
		permanent *permanentError
		exhausted *Exhausted
		content   *extract.ContentError
		challenge *fetch.ChallengeError
		status    *fetch.StatusError
		netErr    net.Error
	)

	switch {
	case errors.As(err, &permanent), errors.As(err, &exhausted):
		return Terminal
	case errors.Is(err, context.Canceled):
		return Terminal
	case errors.As(err, &content):
		return Terminal
	case errors.Is(err, identity.ErrInvalidID):
		return Terminal
	case errors.Is(err, session.ErrPermanentlyFailed), errors.Is(err, session.ErrClosed):
		return Terminal
	case errors.As(err, &challenge):
		return Retryable
	case errors.As(err, &status):
		if RetryableStatus(status.Code) {
			return Retryable
		}
		return Terminal
	case errors.Is(err, fetch.ErrTimeout), errors.Is(err, session.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Retryable
	case errors.Is(err, session.ErrDisconnected):
		return Retryable
	case errors.As(err, &netErr):
		return Retryable
	}
	return Retryable
}

// RequiresReset reports whether the session must be replaced before the next
// attempt. Challenges stick to the browser identity that triggered them; a
// challenge on a light fetch never touched the browser.
func RequiresReset(err error) bool {
	var challenge *fetch.ChallengeError
	if errors.As(err, &challenge) {
		return challenge.Rendered
	}
	return errors.Is(err, session.ErrDisconnected)
}
