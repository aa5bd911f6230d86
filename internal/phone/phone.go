// Package phone normalizes recipient numbers to E.164.
package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalid is returned for numbers that cannot be dialled
var ErrInvalid = errors.New("invalid phone number")

// Normalize parses raw in the context of region (ISO 3166 alpha-2, used when
// raw carries no country code) and returns it in E.164 form.
func Normalize(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}
	if region == "" {
		region = "US"
	}

	parsed, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalid, raw, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
	}

	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// Region returns the region code of an E.164 number, or "" if unknown
func Region(e164 string) string {
	parsed, err := phonenumbers.Parse(e164, "")
	if err != nil {
		return ""
	}
	return phonenumbers.GetRegionCodeForNumber(parsed)
}
