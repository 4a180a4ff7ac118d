// Package verr defines the error-kind taxonomy shared across vtsd's
// codec, crypto, and transport packages. Instead of an exception
// hierarchy, each kind is a sentinel error that call sites wrap with
// fmt.Errorf("%w: ...") and callers test with errors.Is.
package verr

import "errors"

var (
	// ErrParse covers malformed ASN.1/PEM/certificate/handshake input.
	ErrParse = errors.New("parse error")
	// ErrValidation covers structural invariant violations.
	ErrValidation = errors.New("validation error")
	// ErrAuth covers signature/credential verification failures.
	ErrAuth = errors.New("auth error")
	// ErrCrypto covers transform/hash/MAC failures.
	ErrCrypto = errors.New("crypto error")
	// ErrProtocol covers wire-protocol violations (hello mismatch,
	// oversize handshake message, counter/MAC misalignment).
	ErrProtocol = errors.New("protocol error")
	// ErrResource covers descriptor/pipe/reactor failures.
	ErrResource = errors.New("resource error")
	// ErrCancelled covers a cancelled or timed-out scheduled call.
	ErrCancelled = errors.New("cancelled")
)
