package types

import "errors"

// Validation errors. All of them are ValidationFailure: the event is dropped
// before it reaches the store.
var (
	ErrEmptyMessage          = errors.New("message text is required when no attachment is present")
	ErrTextTooLong           = errors.New("message text exceeds 4000 characters")
	ErrInvalidAttachmentType = errors.New("attachment type must be image, audio or document")
	ErrInvalidIdentity       = errors.New("identity must be 1-32 printable characters without '.' or leading '$'")
	ErrInvalidRoom           = errors.New("room must be 'permanent' or 'ephemeral'")
	ErrInvalidReaction       = errors.New("reaction must be 1-16 characters")
	ErrMissingMessageID      = errors.New("message id is required")
)
