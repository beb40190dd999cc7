package core

// error_messages.go maps technical errors to messages operators can act on.
//
// # Error Codes Reference
//
// # Import Errors (IMP001-IMP099)
//
//	IMP001 - Duplicate period: the branch already has a job for this fiscal period
//	         Action: Cancel the existing job or re-submit with replace
//	         Patterns: "already imported", "already exists for branch and period"
//
//	IMP002 - System busy: every import worker is busy
//	         Action: Please wait a moment and try again
//	         Patterns: "too many imports"
//
//	IMP003 - Job not found: no import job with this id
//	         Action: Check the job id
//	         Patterns: "import job not found"
//
//	IMP004 - Invalid state: the job cannot make this change in its current state
//	         Action: Check the job status before retrying
//	         Patterns: "invalid job state transition"
//
//	IMP005 - Not resumable: the job failed fatally
//	         Action: Purge the job and start a new import
//	         Patterns: "cannot be resumed"
//
//	IMP006 - Invalid request: the import request is malformed
//	         Action: Check the file path, scope and record limit
//	         Patterns: "invalid import request", "invalid scope"
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File unreadable: the ledger file could not be opened
//	          Action: Check that the file exists and is readable by the service
//	          Patterns: "file unreadable"
//
//	FILE002 - No fiscal period: the file has no valid header record
//	          Action: Check that the file is a complete fiscal ledger
//	          Patterns: "no fiscal period"
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key      Patterns: "duplicate key"
//	DB002 - Foreign key        Patterns: "foreign key constraint", "violates foreign key"
//	DB003 - Connection refused Patterns: "connection refused"
//	DB004 - Connection reset   Patterns: "connection reset"
//	DB005 - Timeout            Patterns: "timeout", "deadline exceeded"
//	DB006 - Deadlock           Patterns: "deadlock"
//
// # Default Error (ERR000)
//
// Fallback when no specific pattern matches. Check the service logs for the
// original error.
//
// Patterns are matched case-insensitively with strings.Contains and the first
// match wins, so specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var (
	msgDuplicatePeriod = UserMessage{
		Message: "This fiscal period was already imported for the branch",
		Action:  "Cancel the existing job or re-submit with replace",
		Code:    "IMP001",
	}
	msgForeignKey = UserMessage{
		Message: "Referenced record does not exist",
		Action:  "Please try again or contact support",
		Code:    "DB002",
	}
	msgTimeout = UserMessage{
		Message: "Operation timed out",
		Action:  "Please try again later",
		Code:    "DB005",
	}
	msgInvalidRequest = UserMessage{
		Message: "The import request is invalid",
		Action:  "Check the file path, scope and record limit",
		Code:    "IMP006",
	}
)

// errorPatterns is ordered: the first matching pattern wins.
var errorPatterns = []errorPattern{
	// Import lifecycle
	{pattern: "already imported", msg: msgDuplicatePeriod},
	{pattern: "already exists for branch and period", msg: msgDuplicatePeriod},
	{
		pattern: "too many imports",
		msg: UserMessage{
			Message: "System is busy processing other imports",
			Action:  "Please wait a moment and try again",
			Code:    "IMP002",
		},
	},
	{
		pattern: "import job not found",
		msg: UserMessage{
			Message: "Import job not found",
			Action:  "Check the job id",
			Code:    "IMP003",
		},
	},
	{
		pattern: "invalid job state transition",
		msg: UserMessage{
			Message: "The job cannot do this in its current state",
			Action:  "Check the job status before retrying",
			Code:    "IMP004",
		},
	},
	{
		pattern: "cannot be resumed",
		msg: UserMessage{
			Message: "The job failed and cannot be resumed",
			Action:  "Purge the job and start a new import",
			Code:    "IMP005",
		},
	},
	{pattern: "invalid import request", msg: msgInvalidRequest},
	{
		pattern: "rate limit exceeded",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Wait a minute before retrying",
			Code:    "RATE001",
		},
	},
	{pattern: "invalid scope", msg: msgInvalidRequest},

	// File
	{
		pattern: "file unreadable",
		msg: UserMessage{
			Message: "The ledger file could not be read",
			Action:  "Check that the file exists and is readable by the service",
			Code:    "FILE001",
		},
	},
	{
		pattern: "no fiscal period",
		msg: UserMessage{
			Message: "The file has no valid header record",
			Action:  "Check that the file is a complete fiscal ledger",
			Code:    "FILE002",
		},
	},

	// Database
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this key already exists",
			Action:  "Please try again or contact support",
			Code:    "DB001",
		},
	},
	{pattern: "foreign key constraint", msg: msgForeignKey},
	{pattern: "violates foreign key", msg: msgForeignKey},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB003",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB004",
		},
	},
	{pattern: "timeout", msg: msgTimeout},
	{pattern: "deadline exceeded", msg: msgTimeout},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB006",
		},
	},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. Unknown
// errors map to ERR000.
//
//	msg := MapError(ErrTooManyJobs)
//	// msg.Code == "IMP002"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError formats err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user message.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // User-friendly message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
