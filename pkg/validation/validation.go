package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// ClientIDRegex validates registered client identities.
	ClientIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-.]+$`)

	// CallSidRegex validates call identifiers on the wire.
	CallSidRegex = regexp.MustCompile(`^[A-Za-z0-9\-]+$`)

	// DigitsRegex validates dtmf digit strings: 0-9, a-d, * # and w (pause).
	DigitsRegex = regexp.MustCompile(`^[0-9a-dA-D*#w]+$`)
)

// ValidateClientID validates a client identity.
func ValidateClientID(clientID string) error {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return fmt.Errorf("client id is required")
	}
	if len(clientID) > 64 {
		return fmt.Errorf("client id is too long (max 64 characters)")
	}
	if !ClientIDRegex.MatchString(clientID) {
		return fmt.Errorf("client id may only contain letters, digits, '_', '-' and '.'")
	}
	return nil
}

// ValidateCallSid validates a call identifier.
func ValidateCallSid(sid string) error {
	if sid == "" {
		return fmt.Errorf("callsid is required")
	}
	if len(sid) > 64 {
		return fmt.Errorf("callsid is too long (max 64 characters)")
	}
	if !CallSidRegex.MatchString(sid) {
		return fmt.Errorf("callsid may only contain letters, digits and '-'")
	}
	return nil
}

// ValidateDigits validates a dtmf digit string.
func ValidateDigits(digits string) error {
	if digits == "" {
		return fmt.Errorf("digits are required")
	}
	if len(digits) > 64 {
		return fmt.Errorf("digit string is too long (max 64)")
	}
	if !DigitsRegex.MatchString(digits) {
		return fmt.Errorf("digits may only contain 0-9, a-d, '*', '#' and 'w'")
	}
	return nil
}

// ValidateSignalURL validates a gateway websocket endpoint.
func ValidateSignalURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("signal url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid signal url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signal url must use ws or wss scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("signal url must include a host")
	}
	return nil
}
