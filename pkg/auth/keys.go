package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet resolves the verification key for a token.
type KeySet interface {
	// VerificationKey returns the key for kid usable with alg. An empty kid asks
	// for the default key.
	VerificationKey(ctx context.Context, kid, alg string) (any, error)
}

// StaticKey is a verification key known at configuration time.
type StaticKey struct {
	ID  string
	Key any
}

// StaticKeySet serves keys loaded from configuration. It is immutable.
type StaticKeySet struct {
	keys map[string]any
}

// NewStaticKeySet builds a key set. Key ids must be unique.
func NewStaticKeySet(keys ...StaticKey) (*StaticKeySet, error) {
	set := &StaticKeySet{keys: make(map[string]any, len(keys))}
	for _, k := range keys {
		if k.Key == nil {
			return nil, fmt.Errorf("key %q: no key material", k.ID)
		}
		if _, dup := set.keys[k.ID]; dup {
			return nil, fmt.Errorf("key %q: duplicate key id", k.ID)
		}
		set.keys[k.ID] = k.Key
	}
	return set, nil
}

// VerificationKey implements KeySet. A token without kid uses the key registered
// with an empty id, or the only key when exactly one is configured.
func (s *StaticKeySet) VerificationKey(_ context.Context, kid, alg string) (any, error) {
	key, ok := s.keys[kid]
	if !ok && kid == "" && len(s.keys) == 1 {
		for _, only := range s.keys {
			key, ok = only, true
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
	}
	if !keyMatchesAlg(key, alg) {
		return nil, fmt.Errorf("%w: kid %q cannot verify %s", ErrUnknownKey, kid, alg)
	}
	return key, nil
}

// Len returns the number of keys.
func (s *StaticKeySet) Len() int { return len(s.keys) }

// ChainKeySet consults each key set in order and returns the first key found.
type ChainKeySet []KeySet

// VerificationKey implements KeySet.
func (c ChainKeySet) VerificationKey(ctx context.Context, kid, alg string) (any, error) {
	var errs []error
	for _, set := range c {
		key, err := set.VerificationKey(ctx, kid, alg)
		if err == nil {
			return key, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no key sets configured", ErrUnknownKey)
	}
	return nil, errors.Join(errs...)
}

// ParsePublicKeyPEM decodes a PEM encoded public key of the given kind
// ("rsa", "ecdsa" or "ed25519").
func ParsePublicKeyPEM(kind string, data []byte) (any, error) {
	switch strings.ToLower(kind) {
	case "rsa":
		return jwt.ParseRSAPublicKeyFromPEM(data)
	case "ecdsa", "ec":
		return jwt.ParseECPublicKeyFromPEM(data)
	case "ed25519", "eddsa":
		return jwt.ParseEdPublicKeyFromPEM(data)
	default:
		return nil, fmt.Errorf("unsupported public key type %q", kind)
	}
}

// keyMatchesAlg guards against algorithm confusion: an HMAC token must never be
// checked against public key bytes and vice versa.
func keyMatchesAlg(key any, alg string) bool {
	switch {
	case strings.HasPrefix(alg, "HS"):
		_, ok := key.([]byte)
		return ok
	case alg == "":
		return true
	default:
		_, isSecret := key.([]byte)
		return !isSecret
	}
}
