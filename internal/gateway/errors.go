package gateway

import (
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/kubepane/kubepane/internal/fieldpath"
)

// ValidationError is a structured rejection of a submitted object. It carries
// the server's field-level causes so the presentation layer can flag the
// offending fields through the fieldpath matcher.
type ValidationError struct {
	Message string
	Reason  string
	Code    int32
	Causes  []fieldpath.Cause
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NotFoundError reports that the addressed object does not exist.
type NotFoundError struct {
	Identity Identity
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Identity)
}

// TransportError covers every remote failure that is unrelated to the
// content of the submitted object. It carries no field causes.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// normalizeError maps an API server error onto the gateway taxonomy. Status
// errors that reject the object's content become ValidationErrors with their
// field causes preserved; everything else is a TransportError.
func normalizeError(op string, id Identity, err error) error {
	if err == nil {
		return nil
	}
	if apierrors.IsNotFound(err) {
		return &NotFoundError{Identity: id}
	}

	status, ok := err.(apierrors.APIStatus)
	if !ok {
		return &TransportError{Op: op, Err: err}
	}

	st := status.Status()
	if !apierrors.IsInvalid(err) && !apierrors.IsBadRequest(err) {
		return &TransportError{Op: op, Err: err}
	}

	verr := &ValidationError{
		Message: st.Message,
		Reason:  string(st.Reason),
		Code:    st.Code,
	}
	if st.Details != nil {
		for _, c := range st.Details.Causes {
			verr.Causes = append(verr.Causes, fieldpath.Cause{
				Field:   c.Field,
				Message: c.Message,
				Reason:  string(c.Type),
			})
		}
	}
	return verr
}
