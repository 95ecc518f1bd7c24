// Package totp wraps github.com/pquerna/otp to provision and verify TOTP
// second factors.
package totp

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Issuer is the TOTP issuer name embedded in every provisioning URL.
const Issuer = "DarkAuth"

// Enrollment is the output of provisioning a new TOTP secret: the URL the
// client renders as a QR code and the raw secret for manual entry.
type Enrollment struct {
	URL    string
	Secret string
}

// Generate provisions a fresh TOTP secret for accountName (typically the
// user's email). The caller persists Enrollment.URL; nothing here touches
// storage.
func Generate(accountName string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      Issuer,
		AccountName: accountName,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp key: %w", err)
	}
	return Enrollment{URL: key.String(), Secret: key.Secret()}, nil
}

// Validate checks a user-supplied code against the otpauth:// URL persisted
// at enrollment time, allowing one period of clock skew either way. It
// never distinguishes "wrong code" from "malformed URL" to the caller.
func Validate(code, keyURL string) bool {
	key, err := otp.NewKeyFromURL(keyURL)
	if err != nil {
		return false
	}
	valid, err := totp.ValidateCustom(code, key.Secret(), time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return valid
}
