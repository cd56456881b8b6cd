// Package types holds the small cross-cutting types shared by the engine,
// room, orchestrator and API layers: error codes, the broadcast event
// envelope, and the command envelope used to mutate room state.
package types

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotFound        ErrorCode = "not_found"
	ErrRoomFull        ErrorCode = "room_full"
	ErrRoomInProgress  ErrorCode = "room_in_progress"
	ErrPhaseViolation  ErrorCode = "phase_violation"
	ErrInternal        ErrorCode = "internal"
)

// AppError is the error envelope surfaced to REST/WS callers as
// { "error": string, "code": string }.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"error"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func NewError(code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

func WrapError(code ErrorCode, msg string, err error) *AppError {
	return &AppError{Code: code, Message: msg, Err: err}
}

func Is(err error, code ErrorCode) bool {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code == code
	}
	return false
}

// EventType enumerates the broadcast event types a connection may observe.
type EventType string

const (
	EventPlayerList     EventType = "player_list"
	EventTopic          EventType = "topic"
	EventPhase          EventType = "phase"
	EventMessage        EventType = "message"
	EventTyping         EventType = "typing"
	EventVoted          EventType = "voted"
	EventElimination    EventType = "elimination"
	EventVotingResult   EventType = "voting_result"
	EventGameOver       EventType = "game_over"
	EventNewRound       EventType = "new_round"
	EventRoomTerminated EventType = "room_terminated"
	EventError          EventType = "error"
)

// Event is the unit of broadcast delivery. Payload carries the event-specific
// fields as a plain map, serialized as a nested "payload" JSON object
// next to Type and RoomCode.
type Event struct {
	RoomCode   string                 `json:"room_code"`
	Type       EventType              `json:"type"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Seq        int64                  `json:"seq"`
	ServerTSMs int64                  `json:"server_ts_ms"`
}

// NewEvent builds an Event with the given payload fields.
func NewEvent(roomCode string, t EventType, payload map[string]interface{}) Event {
	return Event{RoomCode: roomCode, Type: t, Payload: payload}
}

// Command is the envelope for a mutation request entering a room's single
// writer. Commands never skip the writer: every REST verb that mutates
// state builds one of these and dispatches it through the room actor,
// which applies it under its lock before returning synchronously.
type Command struct {
	Type     string
	PlayerID string
	Payload  map[string]string
}
