package devserver

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096
	MaxTextChars    = 2000
	MaxUsernameLen  = 64
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(user, text string) error {
	if strings.TrimSpace(user) == "" {
		return fmt.Errorf("message without sender")
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// ValidateSignUp checks the account fields the client cannot be trusted to
// have checked.
func ValidateSignUp(username, email, password string) error {
	switch {
	case strings.TrimSpace(username) == "":
		return fmt.Errorf("Username is required")
	case utf8.RuneCountInString(username) > MaxUsernameLen:
		return fmt.Errorf("Username must be at most %d characters", MaxUsernameLen)
	case !strings.Contains(email, "@"):
		return fmt.Errorf("A valid email is required")
	case strings.TrimSpace(password) == "":
		return fmt.Errorf("Password is required")
	}
	return nil
}
