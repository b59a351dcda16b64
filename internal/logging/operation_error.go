package logging

import (
	"errors"
	"strings"

	"go.uber.org/zap"
)

// OperationError records which step failed and, for HTTP work, the request it served.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.RequestID != "" {
		b.WriteString(" [")
		b.WriteString(e.RequestID)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Wrap tags err with the operation that produced it. A nil err stays nil, and an error already
// tagged with the same operation is returned as is.
func Wrap(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OperationError
	if errors.As(err, &existing) && existing.Operation == operation {
		return err
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// FailedOperation returns the outermost operation recorded on err, or "".
func FailedOperation(err error) string {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Operation
	}
	return ""
}

// ErrorFields describes err for a log entry, lifting the failed operation into its own field.
func ErrorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	if op := FailedOperation(err); op != "" {
		fields = append(fields, zap.String("failed_operation", op))
	}
	return fields
}
