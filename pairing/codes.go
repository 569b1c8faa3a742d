package pairing

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/goph/emperror"
)

// codeAlphabet is the 32-symbol confusable-free alphabet for pairing codes:
// upper-case letters and digits excluding I, O, 0 and 1.  Operators relay
// these codes verbally or copy them from a screen.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// codeLength is the fixed pairing code length.
const codeLength = 6

// generateCode draws a uniform 6-character code.  The alphabet size is a
// power of two, so masking five random bits per symbol is unbiased.
func generateCode() (string, error) {
	raw := make([]byte, codeLength)
	if _, err := rand.Read(raw); err != nil {
		return "", emperror.Wrap(err, "unable to generate pairing code")
	}

	code := make([]byte, codeLength)
	for i, b := range raw {
		code[i] = codeAlphabet[int(b)&0x1F]
	}
	return string(code), nil
}

// generateToken mints a 64-character lowercase hex device token.
func generateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", emperror.Wrap(err, "unable to generate device token")
	}
	return hex.EncodeToString(raw), nil
}
