// Package digits implements the DTMF/digit collection subsystem:
// profile-typed validators, spam heuristics, expectation/plan tracking,
// tokenization, and the IVR gather fallback.
package digits

import (
	"strconv"
	"strings"
)

// Profile identifies the validator/shape applied to a collected digit
// buffer.
type Profile string

const (
	ProfileOTP           Profile = "verification/otp"
	ProfileSSN           Profile = "ssn"
	ProfileDOB           Profile = "dob"
	ProfileRoutingNumber Profile = "routing_number"
	ProfileBankAccount   Profile = "bank_account"
	ProfilePhone         Profile = "phone"
	ProfileCardNumber    Profile = "card_number"
	ProfileCVV           Profile = "cvv"
	ProfileCardExpiry    Profile = "card_expiry"
	ProfileTaxID         Profile = "tax_id"
	ProfileZip           Profile = "zip"
	ProfileExtension     Profile = "extension"
	ProfileMenu          Profile = "menu"
	ProfileAmount        Profile = "amount"
	ProfileSurvey        Profile = "survey"
	ProfileGeneric       Profile = "generic"
)

// ProfileSpec is the authoritative per-profile shape.
type ProfileSpec struct {
	Profile           Profile
	MinDigits         int
	MaxDigits         int
	TimeoutS          int
	MaxRetries        int
	EndCallOnSuccess  bool
	ConfirmationStyle string
}

// Profiles is the authoritative profile table.
var Profiles = map[Profile]ProfileSpec{
	ProfileOTP:           {ProfileOTP, 4, 8, 15, 3, true, "readback"},
	ProfileSSN:           {ProfileSSN, 9, 9, 20, 3, false, "masked"},
	ProfileDOB:           {ProfileDOB, 6, 8, 20, 3, false, "readback"},
	ProfileRoutingNumber: {ProfileRoutingNumber, 9, 9, 20, 3, false, "readback"},
	ProfileBankAccount:   {ProfileBankAccount, 6, 17, 25, 3, false, "masked"},
	ProfilePhone:         {ProfilePhone, 10, 10, 20, 3, false, "readback"},
	ProfileCardNumber:    {ProfileCardNumber, 13, 19, 25, 3, false, "masked"},
	ProfileCVV:           {ProfileCVV, 3, 4, 15, 3, false, "masked"},
	ProfileCardExpiry:    {ProfileCardExpiry, 4, 6, 15, 3, false, "readback"},
	ProfileTaxID:         {ProfileTaxID, 9, 9, 20, 3, false, "masked"},
	ProfileZip:           {ProfileZip, 5, 9, 15, 3, false, "readback"},
	ProfileExtension:     {ProfileExtension, 1, 6, 10, 3, false, "readback"},
	ProfileMenu:          {ProfileMenu, 1, 1, 10, 3, false, "none"},
	ProfileAmount:        {ProfileAmount, 1, 9, 20, 3, false, "readback"},
	ProfileSurvey:        {ProfileSurvey, 1, 1, 10, 3, false, "none"},
	ProfileGeneric:       {ProfileGeneric, 1, 32, 20, 3, false, "readback"},
}

// Resolve looks up a profile, downgrading unknown profiles to generic;
// callers log the downgrade.
func Resolve(name string) (ProfileSpec, bool) {
	spec, ok := Profiles[Profile(name)]
	if !ok {
		return Profiles[ProfileGeneric], false
	}
	return spec, true
}

// Validator validates an accepted digit buffer against its profile's
// business rules, beyond the length bounds already enforced by the
// collection state machine.
type Validator func(buffer string) (bool, string)

// Validators maps each profile to its business-rule validator.
var Validators = map[Profile]Validator{
	ProfileOTP:           func(s string) (bool, string) { return true, "" },
	ProfileSSN:           func(s string) (bool, string) { return len(s) == 9, "ssn_length" },
	ProfileDOB:           validateDOB,
	ProfileRoutingNumber: validateRoutingNumber,
	ProfileBankAccount:   func(s string) (bool, string) { return true, "" },
	ProfilePhone:         func(s string) (bool, string) { return len(s) == 10, "phone_length" },
	ProfileCardNumber:    validateLuhn,
	ProfileCVV:           func(s string) (bool, string) { return true, "" },
	ProfileCardExpiry:    validateCardExpiry,
	ProfileTaxID:         func(s string) (bool, string) { return len(s) == 9, "tax_id_length" },
	ProfileZip:           func(s string) (bool, string) { return len(s) == 5 || len(s) == 9, "zip_length" },
	ProfileExtension:     func(s string) (bool, string) { return true, "" },
	ProfileMenu:          func(s string) (bool, string) { return len(s) == 1, "menu_single_digit" },
	ProfileAmount:        func(s string) (bool, string) { return true, "" },
	ProfileSurvey:        func(s string) (bool, string) { return len(s) == 1, "survey_single_digit" },
	ProfileGeneric:       func(s string) (bool, string) { return true, "" },
}

func validateDOB(s string) (bool, string) {
	if len(s) != 6 && len(s) != 8 {
		return false, "dob_length"
	}
	month, err := strconv.Atoi(s[0:2])
	if err != nil || month < 1 || month > 12 {
		return false, "dob_month"
	}
	day, err := strconv.Atoi(s[2:4])
	if err != nil || day < 1 || day > 31 {
		return false, "dob_day"
	}
	return true, ""
}

// validateRoutingNumber checks the ABA routing-number mod-10 checksum
// with repeating weights [3,7,1].
func validateRoutingNumber(s string) (bool, string) {
	if len(s) != 9 {
		return false, "routing_length"
	}
	weights := [3]int{3, 7, 1}
	sum := 0
	for i, r := range s {
		d := int(r - '0')
		if d < 0 || d > 9 {
			return false, "routing_nondigit"
		}
		sum += d * weights[i%3]
	}
	if sum%10 != 0 {
		return false, "routing_checksum"
	}
	return true, ""
}

// validateLuhn applies the Luhn mod-10 algorithm used by card numbers.
func validateLuhn(s string) (bool, string) {
	sum := 0
	alt := false
	for i := len(s) - 1; i >= 0; i-- {
		d := int(s[i] - '0')
		if d < 0 || d > 9 {
			return false, "card_nondigit"
		}
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	if sum%10 != 0 {
		return false, "card_luhn"
	}
	return true, ""
}

func validateCardExpiry(s string) (bool, string) {
	if len(s) != 4 && len(s) != 6 {
		return false, "expiry_length"
	}
	month, err := strconv.Atoi(s[0:2])
	if err != nil || month < 1 || month > 12 {
		return false, "expiry_month"
	}
	return true, ""
}

// repeatPattern matches a buffer where every digit is identical, length
// at least 6.
func repeatPattern(s string) bool {
	if len(s) < 6 {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

// ascendingPattern matches a buffer containing a run of 6+ consecutive
// ascending digits, i.e. a substring of "0123456789" of length >= 6.
func ascendingPattern(s string) bool {
	const seq = "0123456789"
	for length := len(s); length >= 6; length-- {
		for start := 0; start+length <= len(s); start++ {
			if strings.Contains(seq, s[start:start+length]) {
				return true
			}
		}
	}
	return false
}
