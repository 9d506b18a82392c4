package apikey

import "fmt"

// ParseErrorKind identifies why a key failed to parse.
type ParseErrorKind int

const (
	MissingSeparator ParseErrorKind = iota + 1
	InvalidPrefixLength
	InvalidKeyLength
	MissingAlgorithm
	InvalidPrefix
)

// ParseError reports malformed key text. Length carries the offending field
// length for the length kinds.
type ParseError struct {
	Kind   ParseErrorKind
	Length int
}

// Sentinels for errors.Is checks. Matching compares only the Kind.
var (
	ErrMissingSeparator    = &ParseError{Kind: MissingSeparator}
	ErrInvalidPrefixLength = &ParseError{Kind: InvalidPrefixLength}
	ErrInvalidKeyLength    = &ParseError{Kind: InvalidKeyLength}
	ErrMissingAlgorithm    = &ParseError{Kind: MissingAlgorithm}
	ErrInvalidPrefix       = &ParseError{Kind: InvalidPrefix}
)

func (e *ParseError) Error() string {
	switch e.Kind {
	case MissingSeparator:
		return "API key must have the form prefix.algorithm:secret"
	case InvalidPrefixLength:
		return fmt.Sprintf("API key prefix must be exactly %d characters, got %d", PrefixLength, e.Length)
	case InvalidKeyLength:
		return fmt.Sprintf("API key secret must be exactly %d characters, got %d", SecretLength, e.Length)
	case MissingAlgorithm:
		return "API key algorithm cannot be empty"
	case InvalidPrefix:
		return "API key prefix must be alphanumeric"
	default:
		return "invalid API key"
	}
}

// Is reports whether target is a *ParseError of the same kind.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Kind == e.Kind
}

// UnknownAlgorithmError is returned when a digest is requested for an
// algorithm tag the registry does not know.
type UnknownAlgorithmError struct {
	Algorithm string
}

func (e *UnknownAlgorithmError) Error() string {
	return fmt.Sprintf("unknown digest algorithm %q", e.Algorithm)
}
