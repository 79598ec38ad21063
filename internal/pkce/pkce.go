// pkce.go -- RFC 7636 state, code_verifier and S256 code_challenge generation.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	// StateLength is the fixed length of generated state values.
	StateLength = 32

	// MinVerifierLength and MaxVerifierLength bound code_verifier per RFC 7636 section 4.1.
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// DefaultVerifierLength is used by Generate.
	DefaultVerifierLength = MaxVerifierLength

	// ChallengeMethod is the only challenge method this package produces.
	ChallengeMethod = "S256"
)

const (
	stateAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	verifierAlphabet = stateAlphabet + "-_"
)

// Params is one generated state / verifier / challenge triple.
type Params struct {
	State         string
	CodeVerifier  string
	CodeChallenge string
}

// Generate returns a fresh triple using DefaultVerifierLength.
func Generate() (*Params, error) {
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}
	verifier, err := GenerateCodeVerifier(DefaultVerifierLength)
	if err != nil {
		return nil, err
	}
	return &Params{
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: CodeChallenge(verifier),
	}, nil
}

// GenerateState returns a StateLength-char random token drawn from letters and digits.
func GenerateState() (string, error) {
	s, err := randomString(stateAlphabet, StateLength)
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return s, nil
}

// GenerateCodeVerifier returns a random verifier of the given length, clamped to
// [MinVerifierLength, MaxVerifierLength], drawn from the unreserved set [A-Za-z0-9-_].
func GenerateCodeVerifier(length int) (string, error) {
	length = min(max(length, MinVerifierLength), MaxVerifierLength)
	s, err := randomString(verifierAlphabet, length)
	if err != nil {
		return "", fmt.Errorf("generating code verifier: %w", err)
	}
	return s, nil
}

// CodeChallenge derives the S256 challenge: base64url(SHA-256(verifier)) without padding.
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// randomString picks n chars from alphabet using crypto/rand.
// Bytes at or above the largest multiple of len(alphabet) are rejected so every
// char is equally likely.
func randomString(alphabet string, n int) (string, error) {
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
