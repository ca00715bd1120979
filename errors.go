package netprobe

import (
	"context"
	"errors"
	"net"
	"slices"
	"syscall"
)

var (
	// ErrTimeout is reported for a candidate whose connect or probe step
	// did not finish within its deadline.
	ErrTimeout = errors.New("netprobe: attempt timed out")
	// ErrProbeRejected is reported when a connection succeeded but the
	// probe decided the peer is not the service it looks for.
	ErrProbeRejected = errors.New("netprobe: probe rejected endpoint")
	// ErrScanCanceled is returned by Wait when a scan was closed or its
	// context was cancelled before the source was drained.
	ErrScanCanceled = errors.New("netprobe: scan canceled")
	// ErrScanIncomplete is returned by Wait when every slot exited on its
	// own but some endpoints never got a verdict.
	ErrScanIncomplete = errors.New("netprobe: scan incomplete")

	ErrNoRanges     = errors.New("netprobe: no address ranges to scan")
	ErrInvalidRange = errors.New("netprobe: invalid address range")
	ErrInvalidPort  = errors.New("netprobe: invalid port")
)

// Outcome classifies the result of a single attempt.
type Outcome string

const (
	OutcomeOpen      Outcome = "open"
	OutcomeClosed    Outcome = "closed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeRejected  Outcome = "rejected"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeError     Outcome = "error"
)

// IsResourceExhausted reports whether err means the local host ran out of
// socket descriptors or buffer space.
func IsResourceExhausted(err error) bool {
	return hasErrno(err, exhaustedErrnos)
}

// isAddrUnavailable reports whether a dial failed with "address not
// available", which may mean the ephemeral ports ran out.
func isAddrUnavailable(err error) bool {
	return hasErrno(err, unavailableErrnos)
}

func hasErrno(err error, set []syscall.Errno) bool {
	if err == nil {
		return false
	}
	var errno syscall.Errno
	return errors.As(err, &errno) && slices.Contains(set, errno)
}

// IsTimeout reports whether err is a deadline expiry of an attempt.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isNetworkError reports whether err came out of the network stack, as
// opposed to a programming error in a dialer or probe.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno)
}

// Classify maps an attempt result to an Outcome. A nil error is open.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOpen
	case errors.Is(err, ErrProbeRejected):
		return OutcomeRejected
	case IsTimeout(err):
		return OutcomeTimeout
	case IsResourceExhausted(err):
		return OutcomeExhausted
	case isNetworkError(err):
		return OutcomeClosed
	default:
		return OutcomeError
	}
}
