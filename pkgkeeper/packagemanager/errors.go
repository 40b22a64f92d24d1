package packagemanager

import "fmt"

// BackendUnavailableError means the package manager produced no usable
// structured output.
type BackendUnavailableError struct {
	Backend BackendID
	Op      string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

// MutationError is the failure of an update or uninstall of one package.
type MutationError struct {
	Backend BackendID
	Op      string
	Name    string
	Err     error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Backend, e.Op, e.Name, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// BadCredentialError is returned when the privileged sub-invocation rejected
// the elevation credential.
type BadCredentialError struct {
	Backend BackendID
	Err     error
}

func (e *BadCredentialError) Error() string {
	return fmt.Sprintf("%s: elevation failed: %v (%s)", e.Backend, e.Err, e.Hint())
}

func (e *BadCredentialError) Unwrap() error {
	return e.Err
}

func (e *BadCredentialError) Hint() string {
	return "the sudo password may be incorrect"
}
