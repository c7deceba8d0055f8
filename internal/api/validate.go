package api

import (
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/flowpbx/agentphone/internal/database/models"
	"github.com/flowpbx/agentphone/internal/device"
)

// maxNameLen is the maximum length for short labels (outcome, campaign, device id).
const maxNameLen = 200

// maxNotesLen is the maximum length for free-text notes and comments.
const maxNotesLen = 4000

// maxContactFields bounds the contact map attached to a disposition.
const maxContactFields = 50

// dialNumberRe accepts an optional leading + followed by dial-string characters.
var dialNumberRe = regexp.MustCompile(`^\+?[0-9*#]{1,32}$`)

// pinRe validates PINs: digits only, 4-20 chars.
var pinRe = regexp.MustCompile(`^\d{4,20}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateDialNumber checks a number the agent wants to call.
func validateDialNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !dialNumberRe.MatchString(value) {
		return field + " must be digits, optionally with a leading +"
	}
	return ""
}

// validatePIN checks a PIN is digits-only and between 4-20 chars.
func validatePIN(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !pinRe.MatchString(value) {
		return field + " must be 4-20 digits"
	}
	return ""
}

func validateDeviceKind(field string, kind device.Kind) string {
	switch kind {
	case device.KindInput, device.KindOutput:
		return ""
	default:
		return field + " must be input or output"
	}
}

// validateDisposition checks the classification form. The outcome is the
// only required field. A follow-up time must not be in the past.
func validateDisposition(d models.Disposition, now time.Time) string {
	if msg := validateRequiredStringLen("outcome", d.Outcome, maxNameLen); msg != "" {
		return msg
	}
	for _, check := range []struct{ field, value string }{
		{"outcome", d.Outcome},
		{"notes", d.Notes},
		{"follow_up_comment", d.FollowUpComment},
	} {
		if msg := validateNoControlChars(check.field, check.value); msg != "" {
			return msg
		}
	}
	if msg := validateStringLen("notes", d.Notes, maxNotesLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("follow_up_comment", d.FollowUpComment, maxNotesLen); msg != "" {
		return msg
	}
	if d.FollowUpAt != nil && d.FollowUpAt.Before(now) {
		return "follow_up_at must be in the future"
	}
	if d.FollowUpAt == nil && d.FollowUpComment != "" {
		return "follow_up_comment requires follow_up_at"
	}
	if len(d.Contact) > maxContactFields {
		return "contact has too many fields"
	}
	for k, v := range d.Contact {
		if msg := validateStringLen("contact."+k, v, maxNameLen); msg != "" {
			return msg
		}
		if containsControlChars(k) || containsControlChars(v) {
			return "contact." + k + " contains invalid characters"
		}
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
