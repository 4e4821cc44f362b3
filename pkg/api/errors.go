package api

import "errors"

var (
	// ErrNotAMember rejects a write attempted by a user outside the
	// conversation's current member set.
	ErrNotAMember = errors.New("not a member of the conversation")

	// ErrForbidden rejects a creator-only membership action by a non-creator.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidOperation rejects an illegal edit, e.g. removing the creator.
	ErrInvalidOperation = errors.New("invalid operation")

	ErrNotFound = errors.New("not found")

	// ErrVersionConflict signals a stale compare-and-swap membership write.
	ErrVersionConflict = errors.New("conversation version conflict")
)
