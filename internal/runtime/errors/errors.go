package errors

import (
	sterrors "errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrConfigRequired           = sterrors.New("courier: configuration is required")
	ErrLoggerRequired           = sterrors.New("courier: logger is required")
	ErrCourierRequired          = sterrors.New("courier: courier is required")
	ErrAddressRequired          = sterrors.New("courier: address is required")
	ErrReceiverRequired         = sterrors.New("courier: receiver function is required")
	ErrAddressRegistered        = sterrors.New("courier: address is already registered")
	ErrMiddlewareRequired       = sterrors.New("courier: middleware is required")
	ErrMiddlewareExists         = sterrors.New("courier: middleware is already registered for this key")
	ErrRoadmapSealed            = sterrors.New("courier: roadmap is sealed once the courier starts")
	ErrNoRoutes                 = sterrors.New("courier: no receivers registered")
	ErrParcelRequired           = sterrors.New("courier: parcel is required")
	ErrParcelNotSendable        = sterrors.New("courier: parcel is not sendable")
	ErrCourierClosed            = sterrors.New("courier: courier is closed")
	ErrAlreadyRunning           = sterrors.New("courier: courier is already running")
	ErrChannelClosed            = sterrors.New("courier: channel is closed")
	ErrDeadLetterDisabled       = sterrors.New("courier: dead letter channel is not configured")
	ErrDeadLetterReceiverExists = sterrors.New("courier: dead letter receiver is already registered")
	ErrReservedHandstamp        = sterrors.New("courier: handstamp key is reserved")
	ErrShutdownTimeout          = sterrors.New("courier: shutdown timed out waiting for tasks")
	ErrPublisherRequired        = sterrors.New("courier: publisher is required")
	ErrSubscriberRequired       = sterrors.New("courier: subscriber is required")
	ErrTopicRequired            = sterrors.New("courier: topic is required")
)

// ConfigValidationError wraps the joined problems reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "courier: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ReceiverPanicError is produced when a receiver panics instead of returning.
type ReceiverPanicError struct {
	Value any
	Stack string
}

func (e *ReceiverPanicError) Error() string {
	return fmt.Sprintf("receiver panic: %v", e.Value)
}

// Describe flattens err into a single line containing the message of every
// leaf error. Trees built with errors.Join or multierror are walked depth
// first, so fanned-out failures all show up in the result.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var parts []string
	collectMessages(err, &parts)
	if len(parts) == 0 {
		return err.Error()
	}
	return strings.Join(parts, "; ")
}

func collectMessages(err error, parts *[]string) {
	if err == nil {
		return
	}
	if merr, ok := err.(*multierror.Error); ok {
		for _, inner := range merr.WrappedErrors() {
			collectMessages(inner, parts)
		}
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range joined.Unwrap() {
			collectMessages(inner, parts)
		}
		return
	}
	*parts = append(*parts, err.Error())
}
