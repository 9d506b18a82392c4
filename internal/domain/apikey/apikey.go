// Package apikey implements the textual API key format used by Subsonic
// clients: parsing, formatting and generation of keys, plus the digest
// registry used to store them.
//
// A key has the form
//
//	prefix.ALGORITHM:secret
//
// where prefix is PrefixLength alphanumeric characters identifying the key,
// ALGORITHM names the digest applied to the secret before storage, and
// secret is SecretLength random alphanumeric characters.
package apikey

import (
	"crypto/rand"
	"strings"
)

const (
	// PrefixLength is the number of characters in the public key prefix.
	PrefixLength = 7
	// SecretLength is the number of characters in the key secret.
	SecretLength = 53

	prefixSep    = '.'
	algorithmSep = ':'

	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Key is a parsed API key as presented by a client or returned once on
// issuance. The secret never leaves the process except through String.
type Key struct {
	Prefix    string
	Algorithm string
	Secret    string
}

// Parse splits text into prefix, algorithm and secret. The first '.' ends
// the prefix and the first ':' after it ends the algorithm.
func Parse(text string) (Key, error) {
	prefix, rest, ok := strings.Cut(text, string(prefixSep))
	if !ok {
		return Key{}, ErrMissingSeparator
	}
	algorithm, secret, ok := strings.Cut(rest, string(algorithmSep))
	if !ok {
		return Key{}, ErrMissingSeparator
	}
	if len(prefix) != PrefixLength {
		return Key{}, &ParseError{Kind: InvalidPrefixLength, Length: len(prefix)}
	}
	if len(secret) != SecretLength {
		return Key{}, &ParseError{Kind: InvalidKeyLength, Length: len(secret)}
	}
	if algorithm == "" {
		return Key{}, &ParseError{Kind: MissingAlgorithm}
	}
	return Key{Prefix: prefix, Algorithm: algorithm, Secret: secret}, nil
}

// Generate returns a new key using DefaultAlgorithm. When prefix is empty a
// random one is drawn; otherwise it must be PrefixLength characters long.
func Generate(prefix string) (Key, error) {
	if prefix == "" {
		prefix = randomString(PrefixLength)
	} else if len(prefix) != PrefixLength {
		return Key{}, &ParseError{Kind: InvalidPrefixLength, Length: len(prefix)}
	} else if strings.Trim(prefix, alphanumeric) != "" {
		return Key{}, &ParseError{Kind: InvalidPrefix}
	}
	return Key{
		Prefix:    prefix,
		Algorithm: DefaultAlgorithm,
		Secret:    randomString(SecretLength),
	}, nil
}

// String renders the canonical wire form prefix.ALGORITHM:secret.
func (k Key) String() string {
	var b strings.Builder
	b.Grow(len(k.Prefix) + len(k.Algorithm) + len(k.Secret) + 2)
	b.WriteString(k.Prefix)
	b.WriteByte(prefixSep)
	b.WriteString(k.Algorithm)
	b.WriteByte(algorithmSep)
	b.WriteString(k.Secret)
	return b.String()
}

// Redacted renders the key with the secret masked, for logs and listings.
func (k Key) Redacted() string {
	return k.Prefix + string(prefixSep) + k.Algorithm + string(algorithmSep) + "***"
}

// randomString draws n characters uniformly from the alphanumeric alphabet.
// crypto/rand is safe for concurrent use; rejection sampling keeps the
// distribution unbiased.
func randomString(n int) string {
	const maxByte = 256 - 256%len(alphanumeric)

	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4)
	for len(out) < n {
		// crypto/rand.Read never returns an error on supported platforms.
		_, _ = rand.Read(buf)
		for _, c := range buf {
			if int(c) >= maxByte {
				continue
			}
			out = append(out, alphanumeric[int(c)%len(alphanumeric)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}
