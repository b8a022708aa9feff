package support

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fxnlabs/dnnsupport/internal/metrics"
	"github.com/fxnlabs/dnnsupport/internal/provider"
)

// Kind classifies a recoverable error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindInternal
	KindUnimplemented
	KindResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindInternal:
		return "INTERNAL"
	case KindUnimplemented:
		return "UNIMPLEMENTED"
	case KindResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// Error is a recoverable failure reported to the caller.
type Error struct {
	Kind Kind
	Msg  string
	// Status is the provider status behind the failure, if any.
	Status    provider.Status
	hasStatus bool
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Msg
}

// ProviderStatus returns the provider status that caused e.
func (e *Error) ProviderStatus() (provider.Status, bool) {
	return e.Status, e.hasStatus
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// statusError builds an error whose message ends with the provider status.
func statusError(kind Kind, st provider.Status, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Msg:       fmt.Sprintf(format, args...) + ": " + st.String(),
		Status:    st,
		hasStatus: true,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// must terminates the process through log when a call that is expected to
// always succeed did not.
func must(log *zap.Logger, st provider.Status, call string, fields ...zap.Field) {
	if st.OK() {
		return
	}
	metrics.ProviderErrors.WithLabelValues(call).Inc()
	log.Fatal(call+" failed", append(fields, zap.Stringer("status", st))...)
}

// failed records a recoverable provider failure and reports whether st is
// one.
func failed(st provider.Status, call string) bool {
	if st.OK() {
		return false
	}
	metrics.ProviderErrors.WithLabelValues(call).Inc()
	return true
}
