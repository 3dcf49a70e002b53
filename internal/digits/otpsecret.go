package digits

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// VerifyTOTP checks a collected verification buffer against a
// server-held TOTP secret, when the call was opened with one. A skew of
// one period either side is accepted so a code typed just as it rolls
// over still validates.
func VerifyTOTP(secret, code string, at time.Time) bool {
	if secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period: 30,
		Skew:   1,
		Digits: otp.DigitsSix,
	})
	return err == nil && ok
}
