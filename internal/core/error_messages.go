// Package core provides the conversion orchestrator.
//
// # Error Codes Reference
//
// This file defines user-friendly error messages with codes for support reference.
// Operators can quote the error code shown on the dashboard or returned by the
// API when reporting a failed conversion run.
//
// Error codes are grouped by category:
//
// # Configuration Errors (CFG001-CFG099)
//
// Errors detected while deriving the table schema, before any blob is read:
//
//	CFG001 - Schema conflict: A type appears more than once in the type graph
//	         Action: Rename or exclude the repeated nested field
//	         Patterns: "schema conflict"
//
//	CFG002 - Unresolved relation: A child table has no id to relate to its parent
//	         Action: Configure an id field or relation field for the parent type
//	         Patterns: "unresolved relation"
//
//	CFG003 - Unknown type: The type descriptor source does not define a type
//	         Action: Check PROCESSING_TYPE and the descriptor source
//	         Patterns: "unknown type"
//
// # Blob Errors (BLB001-BLB099)
//
// Errors that make a source blob unreadable. The run stops at the failing blob
// and resumes there on the next pass:
//
//	BLB001 - Unrecoverable framing: Message boundaries could not be recovered
//	         Action: Inspect the blob or raise MAX_CANDIDATES
//	         Patterns: "unrecoverable framing"
//
//	BLB002 - Truncated blob: The blob ends in the middle of a message
//	         Action: Wait for the writer to finish the blob, then run again
//	         Patterns: "truncated blob"
//
// # Message Errors (MSG001-MSG099)
//
// Errors raised for a single message:
//
//	MSG001 - Null id: A message has no value for a required id
//	         Action: Set NULL_ID_POLICY=warn or SKIP_CORRUPTED=true
//	         Patterns: "null id"
//
//	MSG002 - Unsupported payload: A message matched no serialization format
//	         Action: Check MESSAGE_MODE and the type descriptors
//	         Patterns: "does not match any serialization format"
//
// # Storage Errors (IO001-IO099)
//
// Errors talking to the input or output store:
//
//	IO001 - Not found: A blob disappeared while it was being read
//	        Action: Run the conversion again
//	        Patterns: "blob not found"
//
//	IO002 - Connection refused: Unable to reach the blob store
//	        Action: Check the store connection settings
//	        Patterns: "connection refused"
//
//	IO003 - Timeout: A storage operation timed out
//	        Action: Please try again later
//	        Patterns: "deadline exceeded", "timeout"
//
// # Run Errors (RUN001-RUN099)
//
//	RUN001 - Already running: A conversion pass is in progress
//	         Action: Wait for the current pass to finish
//	         Patterns: "conversion already running"
//
//	RUN002 - Canceled: The conversion pass was canceled
//	         Action: The next pass resumes from the last committed blob
//	         Patterns: "context canceled"
//
// # Default Error (ERR000)
//
// Fallback when no specific pattern matches:
//
//	ERR000 - Unknown error: An unexpected error occurred
//	         Action: Check the application logs for the run id
//
// # Pattern Matching
//
// Error patterns are matched case-insensitively using strings.Contains.
// The first matching pattern wins, so more specific patterns should be
// defined before general ones.
package core

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened (user-friendly)
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Error code for support reference
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error patterns (case-insensitive) to user messages.
// The first matching pattern wins, so order matters.
//
// To add a new error pattern:
//  1. Choose the appropriate category and code range
//  2. Add the pattern in the correct position (specific before general)
//  3. Update the package documentation at the top of this file
var errorPatterns = []errorPattern{
	// =========================================================================
	// Run Errors (RUN001-RUN002)
	// =========================================================================
	{
		pattern: "conversion already running",
		msg: UserMessage{
			Message: "A conversion pass is already in progress",
			Action:  "Wait for the current pass to finish",
			Code:    "RUN001",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "The conversion pass was canceled",
			Action:  "The next pass resumes from the last committed blob",
			Code:    "RUN002",
		},
	},

	// =========================================================================
	// Configuration Errors (CFG001-CFG003)
	// =========================================================================
	{
		pattern: "schema conflict",
		msg: UserMessage{
			Message: "A type appears more than once in the type graph",
			Action:  "Rename or exclude the repeated nested field",
			Code:    "CFG001",
		},
	},
	{
		pattern: "unresolved relation",
		msg: UserMessage{
			Message: "A child table has no id to relate to its parent",
			Action:  "Configure an id field or relation field for the parent type",
			Code:    "CFG002",
		},
	},
	{
		pattern: "unknown type",
		msg: UserMessage{
			Message: "The type descriptor source does not define a type",
			Action:  "Check PROCESSING_TYPE and the descriptor source",
			Code:    "CFG003",
		},
	},

	// =========================================================================
	// Blob Errors (BLB001-BLB002)
	// =========================================================================
	{
		pattern: "unrecoverable framing",
		msg: UserMessage{
			Message: "Message boundaries could not be recovered",
			Action:  "Inspect the blob or raise MAX_CANDIDATES",
			Code:    "BLB001",
		},
	},
	{
		pattern: "truncated blob",
		msg: UserMessage{
			Message: "The blob ends in the middle of a message",
			Action:  "Wait for the writer to finish the blob, then run again",
			Code:    "BLB002",
		},
	},

	// =========================================================================
	// Message Errors (MSG001-MSG002)
	// =========================================================================
	{
		pattern: "null id",
		msg: UserMessage{
			Message: "A message has no value for a required id",
			Action:  "Set NULL_ID_POLICY=warn or SKIP_CORRUPTED=true",
			Code:    "MSG001",
		},
	},
	{
		pattern: "does not match any serialization format",
		msg: UserMessage{
			Message: "A message matched no serialization format",
			Action:  "Check MESSAGE_MODE and the type descriptors",
			Code:    "MSG002",
		},
	},

	// =========================================================================
	// Storage Errors (IO001-IO003)
	// =========================================================================
	{
		pattern: "blob not found",
		msg: UserMessage{
			Message: "A blob disappeared while it was being read",
			Action:  "Run the conversion again",
			Code:    "IO001",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to reach the blob store",
			Action:  "Check the store connection settings",
			Code:    "IO002",
		},
	},
	{
		pattern: "deadline exceeded",
		msg: UserMessage{
			Message: "A storage operation timed out",
			Action:  "Please try again later",
			Code:    "IO003",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "A storage operation timed out",
			Action:  "Please try again later",
			Code:    "IO003",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the application logs for the run id",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// It searches through known error patterns (case-insensitive) and returns
// the first match. If no pattern matches, a generic fallback message with
// code ERR000 is returned.
//
// Example:
//
//	err := fmt.Errorf("blob 0042: %w", framing.ErrTruncatedBlob)
//	msg := MapError(err)
//	// msg.Code == "BLB002"
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

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing checks if an error matches a known pattern and should be shown to users.
// Returns true if the error matches a specific pattern (not the generic ERR000 fallback).
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	msg := MapError(err)
	return msg.Code != defaultMessage.Code
}

// UserError wraps a technical error with a user-friendly message.
// The original error is preserved for logging while providing a clean message for users.
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

// NewUserError creates a UserError by mapping a technical error to a user-friendly message.
// Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
