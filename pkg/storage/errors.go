package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies storage failures so callers can pick a retry or
// recovery strategy without string-matching backend messages.
type ErrorKind string

const (
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindAccessDenied   ErrorKind = "access_denied"
	KindDataCorruption ErrorKind = "data_corruption"
	KindNetworkError   ErrorKind = "network_error"
	KindLockHeld       ErrorKind = "lock_held"
	KindTimeout        ErrorKind = "timeout"
	KindUnknown        ErrorKind = "unknown"
)

// Sentinel errors for the taxonomy. Backends wrap these with %w so that
// errors.Is works across adapter boundaries.
var (
	ErrKeyNotFound    = errors.New("storage: key not found")
	ErrQuotaExceeded  = errors.New("storage: quota exceeded")
	ErrAccessDenied   = errors.New("storage: access denied")
	ErrDataCorruption = errors.New("storage: data corruption")
	ErrNetwork        = errors.New("storage: network error")
	ErrLockHeld       = errors.New("storage: migration lock held")
	ErrTimeout        = errors.New("storage: operation timed out")
)

// ClassifyError maps an error to its ErrorKind. Unwrapped foreign errors are
// classified by message as a last resort so that raw backend errors still land
// in a usable bucket.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrDataCorruption):
		return KindDataCorruption
	case errors.Is(err, ErrNetwork):
		return KindNetworkError
	case errors.Is(err, ErrLockHeld):
		return KindLockHeld
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "no space"):
		return KindQuotaExceeded
	case strings.Contains(msg, "access denied") || strings.Contains(msg, "permission denied") || strings.Contains(msg, "forbidden"):
		return KindAccessDenied
	case strings.Contains(msg, "corrupt") || strings.Contains(msg, "invalid json") || strings.Contains(msg, "checksum"):
		return KindDataCorruption
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "dial"):
		return KindNetworkError
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	default:
		return KindUnknown
	}
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// WrapKind attaches a taxonomy sentinel to a backend error.
func WrapKind(kind ErrorKind, err error) error {
	sentinel := sentinelFor(kind)
	if sentinel == nil {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindQuotaExceeded:
		return ErrQuotaExceeded
	case KindAccessDenied:
		return ErrAccessDenied
	case KindDataCorruption:
		return ErrDataCorruption
	case KindNetworkError:
		return ErrNetwork
	case KindLockHeld:
		return ErrLockHeld
	case KindTimeout:
		return ErrTimeout
	default:
		return nil
	}
}
