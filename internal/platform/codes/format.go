package codes

import (
	"errors"
	"strings"
)

// Space identifies which kind of record a code belongs to.
type Space byte

const (
	SpaceNone           Space = 0
	SpaceAppointment    Space = 'A'
	SpaceCertificate    Space = 'C'
	SpaceReregistration Space = 'R'
)

func (s Space) String() string {
	switch s {
	case SpaceAppointment:
		return "appointment"
	case SpaceCertificate:
		return "certificate"
	case SpaceReregistration:
		return "reregistration"
	default:
		return "none"
	}
}

var ErrMalformed = errors.New("codes: malformed code")

// Format groups a raw code into blocks of four: "ABCD-EFGH-JKLM".
func Format(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatPrefixed prepends the space letter: "A-ABCD-EFGH-JKLM".
func FormatPrefixed(space Space, raw string) string {
	if space == SpaceNone {
		return Format(raw)
	}
	return string(rune(space)) + "-" + Format(raw)
}

// Parse normalizes user input. Separators and case are ignored; 12 characters
// are a bare code, 13 carry a space prefix.
func Parse(input string) (Space, string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := b.String()

	switch len(s) {
	case DefaultLength:
		return SpaceNone, s, nil
	case DefaultLength + 1:
		space := Space(s[0])
		switch space {
		case SpaceAppointment, SpaceCertificate, SpaceReregistration:
			return space, s[1:], nil
		}
	}
	return SpaceNone, "", ErrMalformed
}
