// Package beacon talks to the wearable beacon over an opaque byte stream.
// The beacon reports short status strings such as "BAT:88|SOS:0" and
// accepts command codes such as "BUZZER_ON".
package beacon

import (
	"strconv"
	"strings"
)

// Reading is what one status string said. Nil fields were absent.
type Reading struct {
	Battery *int
	SOS     *bool
	Buzzer  *bool
	LED     *bool
	Raw     string
}

// Empty reports whether no known token was found
func (r Reading) Empty() bool {
	return r.Battery == nil && r.SOS == nil && r.Buzzer == nil && r.LED == nil
}

// Parse extracts known tokens from a status string. Tokens are KEY:VALUE
// pairs separated by '|', ',', ';' or whitespace; unknown keys and
// malformed values are skipped.
func Parse(raw string) Reading {
	r := Reading{Raw: raw}
	fields := strings.FieldsFunc(raw, func(c rune) bool {
		switch c {
		case '|', ',', ';', ' ', '\t', '\r', '\n':
			return true
		}
		return false
	})
	for _, f := range fields {
		key, value, ok := strings.Cut(f, ":")
		if !ok {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "BAT":
			if n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(value), "%")); err == nil && n >= 0 && n <= 100 {
				r.Battery = &n
			}
		case "SOS":
			r.SOS = parseFlag(value)
		case "BUZ":
			r.Buzzer = parseFlag(value)
		case "LED":
			r.LED = parseFlag(value)
		}
	}
	return r
}

func parseFlag(v string) *bool {
	var b bool
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "1", "ON":
		b = true
	case "0", "OFF":
		b = false
	default:
		return nil
	}
	return &b
}
