// Package license issues and verifies signed, machine-bound licenses.
//
// Issuance turns a Request into a payload, encodes it canonically and signs
// the bytes with the key store's active key. Verification runs the reverse
// path against a trust set of public keys and reports exactly one Outcome,
// checked in a fixed order:
//
//	UntrustedKey         kid not in the trust set (unknown or revoked)
//	InvalidSignature     signature does not match the raw payload bytes
//	Malformed            authentic bytes that fail to decode
//	Expired              now is after expires_at
//	FingerprintMismatch  bound fingerprint differs from the observed one
//
// No payload field is parsed before the signature over the raw bytes has
// been checked.
package license
