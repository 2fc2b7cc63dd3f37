package warden

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by the typed errors below via errors.Is.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrNotFound       = errors.New("job not found")
	ErrNotInitialized = errors.New("engine not initialized")
	ErrStopped        = errors.New("engine stopped")
)

// ConfigurationError reports misuse of the engine: an unknown process, an
// invalid option, or use before Initialize.
type ConfigurationError struct {
	Op  string
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("warden %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("warden %s: %s", e.Op, e.Msg)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configErr(op, format string, args ...any) error {
	return &ConfigurationError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports that no live record matches a job id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StoreError wraps an I/O failure against the job store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// HandlerError is a failed handler run. It never reaches Engine callers;
// it is passed to Config.OnError and drives the retry/failed transition.
type HandlerError struct {
	Process string
	JobID   string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("process %s job %s: %v", e.Process, e.JobID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
