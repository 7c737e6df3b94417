// Package auth verifies bearer credentials presented to the gateway.
//
// Validator turns a raw Authorization header into a domain.Principal or a
// classified *ValidationError. Verification runs in a fixed order: structural
// decode, signature, expiry (zero grace), then required claims. Keys come from a
// KeySet: StaticKeySet for configured secrets and PEM public keys, RemoteKeySet for
// JWKS documents refreshed on a bounded schedule. Negative results are never cached.
package auth
