// Package protocol defines the message contract between the external
// scheduler and a worker process: control messages in, status messages
// out. The transport is deliberately not part of the contract; rpc carries
// these messages over a websocket, tests carry them over channels.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/wippyai/scripthost/errors"
	"github.com/wippyai/scripthost/guildlog"
	"github.com/wippyai/scripthost/tenant"
)

// ControlKind is the verb of a control message.
type ControlKind string

const (
	ControlLoad     ControlKind = "load"
	ControlReload   ControlKind = "reload"
	ControlUnload   ControlKind = "unload"
	ControlShutdown ControlKind = "shutdown"
)

// ControlMessage is a scheduler command. Guild is empty only for shutdown.
// A load or reload carrying no scripts asks the worker to read them from
// its script store.
type ControlMessage struct {
	Guild   string          `json:"guild,omitempty"`
	Kind    ControlKind     `json:"kind"`
	Scripts []tenant.Script `json:"scripts,omitempty"`
}

// StatusKind is the kind of a worker status message.
type StatusKind string

const (
	StatusAck           StatusKind = "ack"
	StatusFault         StatusKind = "fault"
	StatusConsoleOutput StatusKind = "console_output"
	StatusTaskResult    StatusKind = "task_result"
	StatusLoadReport    StatusKind = "status"
)

// FaultScope says how far a fault reaches.
type FaultScope string

const (
	ScopeScript FaultScope = "script" // one script failed to compile or link
	ScopeTask   FaultScope = "task"   // one task failed
	ScopeWorker FaultScope = "worker" // engine fault, affected guilds need re-placement
)

// TaskOutcome is the terminal state reported in a task result.
type TaskOutcome string

const (
	OutcomeCompleted TaskOutcome = "completed"
	OutcomeFailed    TaskOutcome = "failed"
)

// ThreadLoad is one engine thread's load snapshot.
type ThreadLoad struct {
	Thread       int `json:"thread"`
	ActiveGuilds int `json:"active_guilds"`
	PendingTasks int `json:"pending_tasks"`
}

// StatusMessage is a worker report to the scheduler.
type StatusMessage struct {
	Guild string     `json:"guild,omitempty"`
	Kind  StatusKind `json:"kind"`

	// fault fields
	Scope  FaultScope `json:"scope,omitempty"`
	Script string     `json:"script,omitempty"`
	Reason string     `json:"reason,omitempty"`

	// task result fields
	Task    string      `json:"task,omitempty"`
	Outcome TaskOutcome `json:"outcome,omitempty"`

	// console output fields
	Level   guildlog.Level `json:"level,omitempty"`
	Message string         `json:"message,omitempty"`

	// load report fields
	Load []ThreadLoad `json:"load,omitempty"`
}

// EncodeControl serializes a control message.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	if err := validateControl(msg); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// DecodeControl parses and validates a control message. Unknown fields and
// unknown kinds are rejected.
func DecodeControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return ControlMessage{}, errors.Wrap(errors.PhaseControl, errors.KindInvalidInput, err, "malformed control message")
	}
	if err := validateControl(msg); err != nil {
		return ControlMessage{}, err
	}
	return msg, nil
}

func validateControl(msg ControlMessage) error {
	switch msg.Kind {
	case ControlLoad, ControlReload:
		if msg.Guild == "" {
			return errors.InvalidInput(errors.PhaseControl, string(msg.Kind)+" requires a guild")
		}
	case ControlUnload:
		if msg.Guild == "" {
			return errors.InvalidInput(errors.PhaseControl, "unload requires a guild")
		}
		if len(msg.Scripts) > 0 {
			return errors.InvalidInput(errors.PhaseControl, "unload carries no scripts")
		}
	case ControlShutdown:
		if msg.Guild != "" || len(msg.Scripts) > 0 {
			return errors.InvalidInput(errors.PhaseControl, "shutdown is worker-wide")
		}
	default:
		return errors.InvalidInput(errors.PhaseControl, "unknown control kind "+string(msg.Kind))
	}
	return nil
}

// EncodeStatus serializes a status message.
func EncodeStatus(msg StatusMessage) ([]byte, error) {
	if msg.Kind == "" {
		return nil, errors.InvalidInput(errors.PhaseControl, "status kind required")
	}
	return json.Marshal(msg)
}

// DecodeStatus parses and validates a status message.
func DecodeStatus(data []byte) (StatusMessage, error) {
	var msg StatusMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return StatusMessage{}, errors.Wrap(errors.PhaseControl, errors.KindInvalidInput, err, "malformed status message")
	}
	switch msg.Kind {
	case StatusAck, StatusFault, StatusConsoleOutput, StatusTaskResult, StatusLoadReport:
	default:
		return StatusMessage{}, errors.InvalidInput(errors.PhaseControl, "unknown status kind "+string(msg.Kind))
	}
	return msg, nil
}
