package models

import (
	"fmt"
	"time"
)

// CommandType enumerates the asynchronous OCPI commands.
type CommandType string

const (
	CommandReserveNow        CommandType = "RESERVE_NOW"
	CommandCancelReservation CommandType = "CANCEL_RESERVATION"
	CommandStartSession      CommandType = "START_SESSION"
	CommandStopSession       CommandType = "STOP_SESSION"
	CommandUnlockConnector   CommandType = "UNLOCK_CONNECTOR"
)

var commandTypes = map[CommandType]struct{}{
	CommandReserveNow:        {},
	CommandCancelReservation: {},
	CommandStartSession:      {},
	CommandStopSession:       {},
	CommandUnlockConnector:   {},
}

// ParseCommandType validates a command type path segment.
func ParseCommandType(s string) (CommandType, error) {
	t := CommandType(s)
	if _, ok := commandTypes[t]; !ok {
		return "", fmt.Errorf("unknown command type %q", s)
	}
	return t, nil
}

// CommandResultType is the outcome reported by the charge point side.
type CommandResultType string

const (
	ResultAccepted            CommandResultType = "ACCEPTED"
	ResultCanceledReservation CommandResultType = "CANCELED_RESERVATION"
	ResultEVSEOccupied        CommandResultType = "EVSE_OCCUPIED"
	ResultEVSEInoperative     CommandResultType = "EVSE_INOPERATIVE"
	ResultFailed              CommandResultType = "FAILED"
	ResultNotSupported        CommandResultType = "NOT_SUPPORTED"
	ResultRejected            CommandResultType = "REJECTED"
	ResultTimeout             CommandResultType = "TIMEOUT"
	ResultUnknownReservation  CommandResultType = "UNKNOWN_RESERVATION"
)

// CommandResult is the body of a command result callback.
type CommandResult struct {
	Result  CommandResultType `json:"result"`
	Message []DisplayText     `json:"message,omitempty"`
}

// CommandResponseType is the synchronous answer to an issued command.
type CommandResponseType string

const (
	ResponseNotSupported   CommandResponseType = "NOT_SUPPORTED"
	ResponseRejected       CommandResponseType = "REJECTED"
	ResponseAccepted       CommandResponseType = "ACCEPTED"
	ResponseUnknownSession CommandResponseType = "UNKNOWN_SESSION"
)

// CommandResponse is returned when a command is issued.
type CommandResponse struct {
	Result    CommandResponseType `json:"result"`
	Timeout   int                 `json:"timeout"`
	Message   []DisplayText       `json:"message,omitempty"`
	CommandID string              `json:"command_id,omitempty"`
}

// UpstreamCallback is where a command result is forwarded once it arrives.
type UpstreamCallback struct {
	ResponseURL   string `json:"response_url"`
	RequestID     string `json:"request_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// CommandState is the lifecycle state of a pending command.
type CommandState string

const (
	CommandStateCreated        CommandState = "created"
	CommandStateResultReceived CommandState = "result_received"
	CommandStateExpired        CommandState = "expired"
)

// PendingCommand is an outstanding command awaiting its result callback.
type PendingCommand struct {
	ID          string            `json:"id"`
	Type        CommandType       `json:"type"`
	Callback    *UpstreamCallback `json:"callback,omitempty"`
	State       CommandState      `json:"state"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      *CommandResult    `json:"result,omitempty"`
}
