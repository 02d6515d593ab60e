// Package command encodes outgoing device commands.
package command

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Quick commands understood by the sensor firmware.
const (
	Start      = "START"
	Pause      = "PAUSE"
	Resume     = "RESUME"
	ForcePause = "ForcePause"
)

// ErrInvalidHex is returned when a hex command is malformed.
var ErrInvalidHex = errors.New("invalid hex, expected pairs like: 01 0A FF")

// Quick returns the list of quick commands.
func Quick() []string {
	return []string{Start, Pause, Resume, ForcePause}
}

// Text encodes a text command as a newline-terminated UTF-8 line.
func Text(s string) []byte {
	return []byte(s + "\n")
}

// ParseHex decodes whitespace-separated hex pairs such as "01 0A FF".
// Whitespace is ignored entirely, so "010AFF" is accepted as well.
func ParseHex(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)

	if clean == "" || len(clean)%2 != 0 {
		return nil, ErrInvalidHex
	}

	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return data, nil
}

// FormatHex renders bytes as upper-case space-separated hex pairs.
func FormatHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(len(data) * 3)
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}
