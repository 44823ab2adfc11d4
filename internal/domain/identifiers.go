package domain

import (
	"strings"
	"unicode"
)

// IdentifierKind names a Moroccan company or banking identifier.
type IdentifierKind string

const (
	IdentifierICE  IdentifierKind = "ice"
	IdentifierRC   IdentifierKind = "rc"
	IdentifierIF   IdentifierKind = "if"
	IdentifierRIB  IdentifierKind = "rib"
	IdentifierIBAN IdentifierKind = "iban"
)

const (
	iceLength   = 15
	ifLength    = 8
	rcMinLength = 6
	ribLength   = 24
	ibanDigits  = 22
	ibanCountry = "MA"
)

// ValidateICE reports whether s is an Identifiant Commun de l'Entreprise:
// exactly 15 ASCII digits, no separators.
func ValidateICE(s string) bool {
	return len(s) == iceLength && allDigits(s)
}

// ValidateRC reports whether s is a Registre de Commerce number:
// ASCII letters and digits only, at least 6 characters.
func ValidateRC(s string) bool {
	if len(s) < rcMinLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isASCIIDigit(c) && !isASCIILetter(c) {
			return false
		}
	}
	return true
}

// ValidateIF reports whether s is an Identifiant Fiscal: exactly 8 ASCII digits.
func ValidateIF(s string) bool {
	return len(s) == ifLength && allDigits(s)
}

// ValidateRIB reports whether s is a Moroccan RIB once whitespace is removed.
func ValidateRIB(s string) bool {
	n := NormalizeRIB(s)
	return len(n) == ribLength && allDigits(n)
}

// ValidateIBAN reports whether s is a Moroccan IBAN once whitespace is removed
// and letters are upper-cased: "MA" followed by 22 digits.
func ValidateIBAN(s string) bool {
	n := NormalizeIBAN(s)
	if len(n) != len(ibanCountry)+ibanDigits || !strings.HasPrefix(n, ibanCountry) {
		return false
	}
	return allDigits(n[len(ibanCountry):])
}

// NormalizeRIB strips all whitespace. It does not validate.
func NormalizeRIB(s string) string {
	return stripSpace(s)
}

// NormalizeIBAN strips all whitespace and upper-cases. It does not validate.
func NormalizeIBAN(s string) string {
	return strings.ToUpper(stripSpace(s))
}

// ValidateIdentifier dispatches to the validator for kind.
func ValidateIdentifier(kind IdentifierKind, value string) (bool, error) {
	switch kind {
	case IdentifierICE:
		return ValidateICE(value), nil
	case IdentifierRC:
		return ValidateRC(value), nil
	case IdentifierIF:
		return ValidateIF(value), nil
	case IdentifierRIB:
		return ValidateRIB(value), nil
	case IdentifierIBAN:
		return ValidateIBAN(value), nil
	default:
		return false, &ErrValidation{Field: "kind", Message: "unknown identifier kind: " + string(kind)}
	}
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isASCIIDigit(s[i]) {
			return false
		}
	}
	return true
}

func isASCIIDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isASCIILetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
