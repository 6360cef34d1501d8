package security

import (
	"crypto/rand"
	"encoding/base64"
)

// challengeTokenBytes is the entropy of a push challenge token (256 bits).
const challengeTokenBytes = 32

// ChallengeTokenLen is the encoded length of a challenge token (unpadded base64url of 32 bytes).
var ChallengeTokenLen = base64.RawURLEncoding.EncodedLen(challengeTokenBytes)

// GenerateChallengeToken returns a fresh unguessable token delivered to devices inside a push notification.
func GenerateChallengeToken() (string, error) {
	b := make([]byte, challengeTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidChallengeTokenFormat reports whether s has the shape of a token produced by GenerateChallengeToken.
func ValidChallengeTokenFormat(s string) bool {
	if len(s) != ChallengeTokenLen {
		return false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil && len(b) == challengeTokenBytes
}

// MaskToken shortens a secret for logs: first and last four characters only.
func MaskToken(s string) string {
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "***" + s[len(s)-4:]
}
