package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable means a credential or executable is missing. It is never retried.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrBackendTimeout covers timeouts and transient transport failures.
	ErrBackendTimeout = errors.New("backend timeout")
	// ErrBackendMalformed means a structured backend returned output that does not decode.
	ErrBackendMalformed = errors.New("backend returned malformed output")
	// ErrLedgerConflict means a fingerprint is already recorded with another canonical URL.
	ErrLedgerConflict = errors.New("ledger conflict")
)

// BackendError is returned once a batch has exhausted its attempts or failed permanently.
type BackendError struct {
	Backend  string
	Kind     error
	Attempts int
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s failed after %d attempt(s): %v", e.Backend, e.Attempts, e.Err)
}

func (e *BackendError) Unwrap() []error {
	errs := make([]error, 0, 2)
	for _, err := range []error{e.Kind, e.Err} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// BackendKind returns the taxonomy sentinel carried by err, or nil.
func BackendKind(err error) error {
	for _, kind := range []error{ErrBackendUnavailable, ErrBackendTimeout, ErrBackendMalformed} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// ConflictError describes a fingerprint whose first-seen canonical URL differs from a new one.
type ConflictError struct {
	Fingerprint string
	Topic       string
	ExistingURL string
	IncomingURL string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fingerprint %s in topic %s is recorded as %s, refusing %s",
		e.Fingerprint, e.Topic, e.ExistingURL, e.IncomingURL)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrLedgerConflict
}

// StageError names the run stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
