// Package crypto implements the PKCE primitives used by the OAuth flow
// (RFC 7636).
package crypto

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
// The plain method is not supported.
const PKCEChallengeMethodS256 = "S256"

// Verifier length bounds per RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1.
// The verifier is 43 characters (32 bytes base64url encoded without padding),
// using characters from the base64url alphabet: [A-Z], [a-z], [0-9], "-", "_".
//
// This function delegates to oauth2.GenerateVerifier() from golang.org/x/oauth2.
// It will panic on crypto/rand read failure (which is appropriate for this case).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method per RFC 7636 Section 4.2.
// code_challenge = BASE64URL(SHA256(code_verifier))
//
// This function delegates to oauth2.S256ChallengeFromVerifier() from golang.org/x/oauth2.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidatePKCEVerifier checks that verifier satisfies the RFC 7636
// Section 4.1 grammar: 43-128 characters from the unreserved set
// [A-Z], [a-z], [0-9], "-", ".", "_", "~".
func ValidatePKCEVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be between %d and %d characters, got %d",
			MinVerifierLength, MaxVerifierLength, len(verifier))
	}
	for i := 0; i < len(verifier); i++ {
		c := verifier[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return fmt.Errorf("code_verifier contains invalid character %q at position %d", c, i)
		}
	}
	return nil
}

// VerifyPKCEChallenge reports whether verifier hashes to the stored
// code_challenge under the S256 method. The comparison is constant-time
// so that mismatched digests cannot be distinguished by timing.
//
// Passing the challenge itself as the verifier fails: the challenge is
// the digest of the verifier, never equal to it.
func VerifyPKCEChallenge(verifier, challenge string) bool {
	if ValidatePKCEVerifier(verifier) != nil {
		return false
	}
	computed := ComputePKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
