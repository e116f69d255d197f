package entry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// IsTransient reports whether err was classified as a timeout or connectivity failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsConstraint reports whether err was classified as a constraint violation.
func IsConstraint(err error) bool {
	return errors.Is(err, ErrConstraint)
}

// classifyCommon tags driver-independent timeout and connectivity errors.
func classifyCommon(err error) error {
	if err == nil || errors.Is(err, ErrTransient) || errors.Is(err, ErrConstraint) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
