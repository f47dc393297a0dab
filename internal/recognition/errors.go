package recognition

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
	KindExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// ProviderError tags a recognition failure so retry logic is a plain state
// inspection rather than string matching.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func transientErr(provider string, err error) *ProviderError {
	return &ProviderError{Kind: KindTransient, Provider: provider, Err: err}
}

func permanentErr(provider string, err error) *ProviderError {
	return &ProviderError{Kind: KindPermanent, Provider: provider, Err: err}
}

// IsExhausted reports whether err means every provider in the chain was
// tried and failed.
func IsExhausted(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindExhausted
}

func isTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindTransient
}
