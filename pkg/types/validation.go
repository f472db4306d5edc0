package types

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxTextRunes     = 4000
	MaxIdentityRunes = 32
	MaxReactionRunes = 16
)

// Validate normalizes and checks an outgoing message before persistence.
// A message without an attachment is always of KindText.
func (m *Message) Validate() error {
	if utf8.RuneCountInString(m.Text) > MaxTextRunes {
		return ErrTextTooLong
	}

	if !m.HasAttachment() {
		if strings.TrimSpace(m.Text) == "" {
			return ErrEmptyMessage
		}
		m.Type = KindText
		return nil
	}

	if !m.Type.IsAttachment() {
		return ErrInvalidAttachmentType
	}
	return nil
}

// IsValidIdentity checks a display identity. Identities double as reaction
// map keys in the document store, so '.' and a leading '$' are refused.
func IsValidIdentity(identity string) bool {
	n := utf8.RuneCountInString(identity)
	if n < 1 || n > MaxIdentityRunes {
		return false
	}
	if strings.TrimSpace(identity) != identity {
		return false
	}
	if strings.HasPrefix(identity, "$") || strings.Contains(identity, ".") {
		return false
	}
	for _, r := range identity {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// IsValidReaction checks a reaction symbol (usually a single emoji).
func IsValidReaction(symbol string) bool {
	n := utf8.RuneCountInString(symbol)
	return n >= 1 && n <= MaxReactionRunes && strings.TrimSpace(symbol) != ""
}

// ValidateText checks replacement text for an edit.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return ErrTextTooLong
	}
	return nil
}
