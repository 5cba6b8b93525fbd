package classifier

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tells the retry loop whether a failure may go away on its own.
type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// User facing messages surfaced after the retry budget is spent.
const (
	MessageOverloaded = "The AI model is temporarily overloaded. Please try again in a few moments."
	MessageFailed     = "The AI model failed to provide a diagnosis."
)

// ErrMissingAPIKey is returned by backends when no credential is configured.
var ErrMissingAPIKey = errors.New("classifier API key is not configured")

// ServiceError is a classified failure of one remote call.
type ServiceError struct {
	Kind       Kind
	Backend    string
	StatusCode int
	Status     string
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Backend)
	b.WriteString(" ")
	b.WriteString(e.Kind.String())
	b.WriteString(" failure")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (code %d", e.StatusCode)
		if e.Status != "" {
			fmt.Fprintf(&b, " %s", e.Status)
		}
		b.WriteString(")")
	} else if e.Status != "" {
		fmt.Fprintf(&b, " (%s)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Classified marks e transient when its description mentions
// unavailability or overload, and returns e. A transient tag is never
// downgraded.
func (e *ServiceError) Classified() *ServiceError {
	if e.Kind != KindTransient && LooksOverloaded(e.Error()) {
		e.Kind = KindTransient
	}
	return e
}

// Transient wraps err as a retriable failure.
func Transient(backend string, err error) *ServiceError {
	return &ServiceError{Kind: KindTransient, Backend: backend, Err: err}
}

// Permanent wraps err as a non-retriable failure.
func Permanent(backend string, err error) *ServiceError {
	return &ServiceError{Kind: KindPermanent, Backend: backend, Err: err}
}

var overloadIndicators = []string{"503", "unavailable", "overloaded"}

// LooksOverloaded reports whether a free-form failure description mentions
// service unavailability.
func LooksOverloaded(description string) bool {
	description = strings.ToLower(description)
	for _, indicator := range overloadIndicators {
		if strings.Contains(description, indicator) {
			return true
		}
	}
	return false
}

// KindOf classifies err. Tagged *ServiceError values decide for themselves;
// anything else falls back to LooksOverloaded on its description.
func KindOf(err error) Kind {
	if err == nil {
		return KindPermanent
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	if LooksOverloaded(err.Error()) {
		return KindTransient
	}
	return KindPermanent
}

// DiagnosisError is returned once a classification has failed for good.
// Its message is safe to show to the user.
type DiagnosisError struct {
	Variant    Variant
	Attempts   int
	Overloaded bool
	Err        error
}

func (e *DiagnosisError) Error() string {
	if e.Overloaded {
		return MessageOverloaded
	}
	return MessageFailed
}

func (e *DiagnosisError) Unwrap() error {
	return e.Err
}
