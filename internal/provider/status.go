package provider

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the discrete result code returned by every provider call.
type Status int

const (
	StatusSuccess Status = iota
	StatusNotInitialized
	StatusInvalidValue
	StatusBadParm
	StatusAllocFailed
	StatusInternalError
	StatusNotImplemented
	StatusUnknownError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "miopenStatusSuccess"
	case StatusNotInitialized:
		return "miopenStatusNotInitialized"
	case StatusInvalidValue:
		return "miopenStatusInvalidValue"
	case StatusBadParm:
		return "miopenStatusBadParm"
	case StatusAllocFailed:
		return "miopenStatusAllocFailed"
	case StatusInternalError:
		return "miopenStatusInternalError"
	case StatusNotImplemented:
		return "miopenStatusNotImplemented"
	case StatusUnknownError:
		return "miopenStatusUnknownError"
	default:
		return fmt.Sprintf("<unknown miopen status: %d>", int(s))
	}
}

// OK reports whether s is StatusSuccess.
func (s Status) OK() bool { return s == StatusSuccess }

// Err returns nil for StatusSuccess and an error naming the status otherwise.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return errors.New(s.String())
}
