package contracts

import (
	"errors"
	"strings"
)

// Recoverable faults surfaced synchronously to callers of the chat service.
// Inbound-protocol failures are never mapped onto these; the protocol is
// self-healing and drops bad traffic silently.
var (
	ErrChatNotFound       = errors.New("chat not found")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrNotAdmin           = errors.New("sender is not a chat admin")
	ErrNotGroupChat       = errors.New("chat is not a group chat")
	ErrDuplicateChatName  = errors.New("chat name already in use")
	ErrChatAlreadyExists  = errors.New("chat already exists")
	ErrChatWithMembers    = errors.New("chat still has other members")
	ErrAlreadyChatMember  = errors.New("address is already a chat member")
	ErrNotChatMember      = errors.New("address is not a chat member")
	ErrMessageNotFound    = errors.New("message not found")
	ErrLastAdmin          = errors.New("sole admin cannot leave while members remain")
	ErrRateLimited        = errors.New("outbound rate limit exceeded")
)

const (
	ErrorCategoryAPI      = "api"
	ErrorCategoryStorage  = "storage"
	ErrorCategoryNetwork  = "network"
	ErrorCategoryProtocol = "protocol"
)

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Category + ": " + e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryStorage:
		return ErrorCategoryStorage
	case ErrorCategoryNetwork:
		return ErrorCategoryNetwork
	case ErrorCategoryProtocol:
		return ErrorCategoryProtocol
	default:
		return ErrorCategoryAPI
	}
}

func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{
			Category: normalizeErrorCategory(existing.Category),
			Err:      existing.Err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	return ErrorCategoryAPI
}
