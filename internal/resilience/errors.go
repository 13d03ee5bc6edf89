package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// ErrValidation marks a record that lacks the inputs needed to call a
// provider. Validation failures are skipped, never retried.
var ErrValidation = eris.New("validation skip")

// IsValidation reports whether err is (or wraps) ErrValidation.
func IsValidation(err error) bool {
	return err != nil && errors.Is(err, ErrValidation)
}

// Validationf returns an ErrValidation wrapped with a formatted reason.
func Validationf(format string, args ...any) error {
	return eris.Wrapf(ErrValidation, format, args...)
}

// TransientError wraps a call-level failure that is safe to retry
// (timeout, non-2xx status, network error).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// maxBodyRunes caps how much of a response body StatusError quotes.
const maxBodyRunes = 512

// StatusError builds the error returned by provider clients for a non-2xx
// response. Every non-2xx is a call-level failure and therefore transient.
func StatusError(service string, statusCode int, body []byte) error {
	msg := strings.TrimSpace(strings.ToValidUTF8(string(body), "\uFFFD"))
	if utf8.RuneCountInString(msg) > maxBodyRunes {
		msg = string([]rune(msg)[:maxBodyRunes])
	}
	return NewTransientError(eris.Errorf("%s: unexpected status %d: %s", service, statusCode, msg), statusCode)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient network failures.
func IsTransient(err error) bool {
	if err == nil || IsValidation(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
