package services

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable code sent in wire-level error events.
type ErrorCode string

const (
	CodeInvalidPayload  ErrorCode = "INVALID_PAYLOAD"
	CodeUnknownEvent    ErrorCode = "UNKNOWN_EVENT"
	CodeRateLimited     ErrorCode = "RATE_LIMITED"
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeNotOrganizer    ErrorCode = "NOT_ORGANIZER"
	CodeNotJoined       ErrorCode = "NOT_JOINED"
	CodeRoomNotFound    ErrorCode = "ROOM_NOT_FOUND"
	CodeGameNotFound    ErrorCode = "GAME_NOT_FOUND"
	CodeInvalidNickname ErrorCode = "INVALID_NICKNAME"
	CodeNicknameTaken   ErrorCode = "NICKNAME_TAKEN"
	CodeGameInProgress  ErrorCode = "GAME_IN_PROGRESS"
	CodeInvalidState    ErrorCode = "INVALID_STATE"
	CodeWrongQuestion   ErrorCode = "WRONG_QUESTION"
	CodeQuestionClosed  ErrorCode = "QUESTION_CLOSED"
	CodeAlreadyAnswered ErrorCode = "ALREADY_ANSWERED"
	CodeNoQuestions     ErrorCode = "NO_QUESTIONS"
	CodeRoomCorrupted   ErrorCode = "ROOM_CORRUPTED"
	CodeUnavailable     ErrorCode = "UNAVAILABLE"
	CodeInternal        ErrorCode = "INTERNAL"
)

// GameError is a typed, expected failure that is reported to the caller.
// Two GameErrors match under errors.Is when their codes are equal.
type GameError struct {
	Code    ErrorCode
	Message string
}

func (e *GameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GameError) Is(target error) bool {
	var other *GameError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func newGameError(code ErrorCode, message string) *GameError {
	return &GameError{Code: code, Message: message}
}

// withMessage keeps the code of a sentinel but replaces the message.
func withMessage(base *GameError, format string, args ...interface{}) *GameError {
	return &GameError{Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidPayload  = newGameError(CodeInvalidPayload, "Malformed request")
	ErrUnknownEvent    = newGameError(CodeUnknownEvent, "Unknown event")
	ErrRateLimited     = newGameError(CodeRateLimited, "Too many requests")
	ErrUnauthorized    = newGameError(CodeUnauthorized, "Not authorized")
	ErrNotOrganizer    = newGameError(CodeNotOrganizer, "Only the organizer can do that")
	ErrNotJoined       = newGameError(CodeNotJoined, "Join a room first")
	ErrRoomNotFound    = newGameError(CodeRoomNotFound, "Room not found")
	ErrGameNotFound    = newGameError(CodeGameNotFound, "Game not found")
	ErrInvalidNickname = newGameError(CodeInvalidNickname, "Nickname must be 1 to 20 characters")
	ErrNicknameTaken   = newGameError(CodeNicknameTaken, "Nickname already taken")
	ErrGameInProgress  = newGameError(CodeGameInProgress, "Game already started")
	ErrInvalidState    = newGameError(CodeInvalidState, "Not allowed right now")
	ErrWrongQuestion   = newGameError(CodeWrongQuestion, "That question is not active")
	ErrQuestionClosed  = newGameError(CodeQuestionClosed, "Question already closed")
	ErrAlreadyAnswered = newGameError(CodeAlreadyAnswered, "Answer already submitted")
	ErrNoQuestions     = newGameError(CodeNoQuestions, "Game has no questions")
	ErrRoomCorrupted   = newGameError(CodeRoomCorrupted, "Room is being reset")
	ErrUnavailable     = newGameError(CodeUnavailable, "Service temporarily unavailable")
	ErrInternal        = newGameError(CodeInternal, "Something went wrong")
)

// AsGameError maps any error onto the wire taxonomy. Unknown errors become INTERNAL.
func AsGameError(err error) *GameError {
	var gerr *GameError
	if errors.As(err, &gerr) {
		return gerr
	}
	return ErrInternal
}
