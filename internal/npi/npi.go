// Package npi validates National Provider Identifiers: a 10-digit format
// check plus a Luhn check-digit pass with the CMS-specific constant 24 added
// to the pre-check sum, which accounts for the implicit "80840" prefix NPIs
// are defined against. A generic Luhn implementation gets this wrong.
package npi

import (
	"errors"
	"regexp"
)

var digitsOnly = regexp.MustCompile(`^\d{10}$`)

// ErrFormat is returned when the value is not exactly 10 digits.
var ErrFormat = errors.New("npi: must be exactly 10 digits")

// ErrCheckDigit is returned when the value fails the Luhn/CMS check.
var ErrCheckDigit = errors.New("npi: invalid check digit")

// Validate checks s is a well-formed, Luhn-valid NPI.
func Validate(s string) error {
	if !digitsOnly.MatchString(s) {
		return ErrFormat
	}
	if !luhnCMS(s) {
		return ErrCheckDigit
	}
	return nil
}

// luhnCMS implements the CMS NPI check-digit algorithm: Luhn over the
// 10-digit NPI with a pre-check sum constant of 24 added (accounting for the
// implicit "80840" issuer prefix that real NPI issuance prepends before
// applying Luhn).
func luhnCMS(npi string) bool {
	sum := 24
	digits := npi[:9] // first 9 digits; the 10th is the check digit
	checkDigit := int(npi[9] - '0')

	// Luhn from the rightmost digit of the 9-digit body, doubling every
	// second digit counting from the right.
	double := true
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}

	computed := (10 - (sum % 10)) % 10
	return computed == checkDigit
}
