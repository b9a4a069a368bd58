// Package security evaluates master password strength.
package security

// Strength represents the strength level of a master password.
type Strength int

const (
	// StrengthWeak indicates a password below the 8 character minimum.
	StrengthWeak Strength = iota
	// StrengthFair indicates a minimally acceptable password.
	StrengthFair
	// StrengthGood indicates a good password.
	StrengthGood
	// StrengthStrong indicates a strong password.
	StrengthStrong
)

func (s Strength) String() string {
	switch s {
	case StrengthWeak:
		return "Weak"
	case StrengthFair:
		return "Fair"
	case StrengthGood:
		return "Good"
	case StrengthStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// EvaluatePassword scores a human-chosen master password. Length is the
// primary factor per NIST SP 800-63B; composition rules are not applied.
func EvaluatePassword(password string) Strength {
	length := len([]rune(password))

	switch {
	case length >= 20:
		return StrengthStrong
	case length >= 14:
		return StrengthGood
	case length >= 8:
		return StrengthFair
	default:
		return StrengthWeak
	}
}
