package domain

import "fmt"

// ErrorKind стабильный тип ошибки, который видит UI
type ErrorKind string

const (
	ErrValidation  ErrorKind = "validation"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrTimeout     ErrorKind = "timeout"
	ErrAuth        ErrorKind = "auth"
	ErrTransport   ErrorKind = "transport"
	ErrServer      ErrorKind = "server"
)

// DetectionError последняя классифицированная ошибка сессии
type DetectionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func NewError(kind ErrorKind, message string, err error) *DetectionError {
	return &DetectionError{Kind: kind, Message: message, Err: err}
}

func (e *DetectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DetectionError) Unwrap() error { return e.Err }
