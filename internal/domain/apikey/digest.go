package apikey

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Algorithm tags understood by the default registry.
const (
	SHA256     = "SHA256"
	SHA512     = "SHA512"
	BLAKE2B256 = "BLAKE2B256"

	DefaultAlgorithm = SHA256
)

// DigestFunc maps a secret to its stored, lowercase-hex digest.
type DigestFunc func(secret string) string

// Registry maps algorithm tags to digest functions. A Registry is immutable
// after construction and safe for concurrent use.
type Registry struct {
	funcs map[string]DigestFunc
}

// NewRegistry builds a registry from the given algorithms.
func NewRegistry(funcs map[string]DigestFunc) *Registry {
	r := &Registry{funcs: make(map[string]DigestFunc, len(funcs))}
	for alg, fn := range funcs {
		r.funcs[alg] = fn
	}
	return r
}

// DefaultRegistry returns the registry used in production.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]DigestFunc{
		SHA256: func(secret string) string {
			sum := sha256.Sum256([]byte(secret))
			return hex.EncodeToString(sum[:])
		},
		SHA512: func(secret string) string {
			sum := sha512.Sum512([]byte(secret))
			return hex.EncodeToString(sum[:])
		},
		BLAKE2B256: func(secret string) string {
			sum := blake2b.Sum256([]byte(secret))
			return hex.EncodeToString(sum[:])
		},
	})
}

// Digest computes the digest of secret with the named algorithm. It returns
// *UnknownAlgorithmError for unregistered tags.
func (r *Registry) Digest(algorithm, secret string) (string, error) {
	fn, ok := r.funcs[algorithm]
	if !ok {
		return "", &UnknownAlgorithmError{Algorithm: algorithm}
	}
	return fn(secret), nil
}

// Has reports whether algorithm is registered.
func (r *Registry) Has(algorithm string) bool {
	_, ok := r.funcs[algorithm]
	return ok
}

// Algorithms lists registered tags in sorted order.
func (r *Registry) Algorithms() []string {
	out := make([]string, 0, len(r.funcs))
	for alg := range r.funcs {
		out = append(out, alg)
	}
	sort.Strings(out)
	return out
}
