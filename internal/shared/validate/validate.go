// Package validate holds input limits and field checks shared by the
// auth service and the gateway's message handlers.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Size limits (in bytes).
const (
	// MaxFrameSize bounds one inbound WebSocket frame.
	MaxFrameSize = 256 * 1024
	// MaxCommandLength bounds one command line.
	MaxCommandLength = 16 * 1024
)

// String length limits.
const (
	MaxUsernameLength    = 64
	MinUsernameLength    = 3
	MaxPasswordLength    = 128
	MinPasswordLength    = 8
	MaxSessionNameLength = 256
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// String validates a string field with length and content checks.
func String(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if value == "" && !required {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}

	return nil
}

// Username validates a username.
func Username(username string) error {
	if err := String(username, "username", MinUsernameLength, MaxUsernameLength, true); err != nil {
		return err
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only alphanumeric and underscores allowed)")
	}
	return nil
}

// Password validates a password.
func Password(password string) error {
	return String(password, "password", MinPasswordLength, MaxPasswordLength, true)
}

// SessionName validates a session name.
func SessionName(name string) error {
	return String(name, "session name", 1, MaxSessionNameLength, true)
}

// Command validates one command line.
func Command(line string) error {
	return String(line, "command", 1, MaxCommandLength, true)
}
