package httpserver

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // RFC 6238 interop: authenticator apps expect HMAC-SHA1.
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	totpPeriod = 30 * time.Second
	totpDigits = 6
)

// VerifyTOTP checks a 6-digit RFC 6238 code against the base32 shared
// secret, accepting one time step of clock skew either side. Empty
// secrets and malformed codes never verify.
func VerifyTOTP(secretB32, code string, now time.Time) bool {
	secret, err := decodeTOTPSecret(secretB32)
	if err != nil || len(secret) == 0 {
		return false
	}
	code = strings.TrimSpace(code)
	if len(code) != totpDigits {
		return false
	}
	counter := uint64(now.Unix()) / uint64(totpPeriod/time.Second)
	for _, c := range []uint64{counter - 1, counter, counter + 1} {
		if subtle.ConstantTimeCompare([]byte(hotp(secret, c)), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// TOTPCode derives the code for a base32 secret at time t; operator
// tooling and tests mint codes with it.
func TOTPCode(secretB32 string, t time.Time) (string, error) {
	secret, err := decodeTOTPSecret(secretB32)
	if err != nil {
		return "", fmt.Errorf("invalid totp secret: %w", err)
	}
	if len(secret) == 0 {
		return "", fmt.Errorf("empty totp secret")
	}
	return hotp(secret, uint64(t.Unix())/uint64(totpPeriod/time.Second)), nil
}

// hotp computes the RFC 4226 truncated 6-digit code for one counter value.
func hotp(secret []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	v := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", v%1000000)
}

// decodeTOTPSecret accepts the usual authenticator formats: upper or
// lower case base32 with optional spaces and padding.
func decodeTOTPSecret(s string) ([]byte, error) {
	s = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	s = strings.TrimRight(s, "=")
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
}
