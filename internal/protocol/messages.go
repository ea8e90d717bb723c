// Package protocol defines the coordinator/worker wire messages. Every
// message travels in an Envelope whose type field selects the decoder.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Type discriminates wire messages.
type Type string

const (
	TypeHeartbeat Type = "heartbeat"
	TypeJobAssign Type = "job_assign"
	TypeJobStatus Type = "job_status"
	TypeJobCancel Type = "job_cancel"
	TypePing      Type = "ping"
)

// Message is implemented by every wire message.
type Message interface {
	MessageType() Type
}

// Envelope is the JSON frame on the wire.
type Envelope struct {
	Type   Type            `json:"type"`
	SentAt time.Time       `json:"sent_at"`
	Data   json.RawMessage `json:"data"`
}

// Heartbeat is sent by workers every heartbeat_interval.
type Heartbeat struct {
	WorkerID      string    `json:"worker_id" validate:"required"`
	Status        string    `json:"status" validate:"required,oneof=IDLE BUSY OFFLINE"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
	Capacity      int       `json:"capacity,omitempty" validate:"gte=0"`
	CurrentJobIDs []string  `json:"current_job_ids,omitempty"`
}

// JobAssign pushes a job the coordinator already claimed on the worker's behalf.
type JobAssign struct {
	JobID          string    `json:"job_id" validate:"required"`
	JobType        string    `json:"job_type,omitempty"`
	WorkflowID     string    `json:"workflow_id,omitempty"`
	Payload        []byte    `json:"payload"`
	Priority       int       `json:"priority" validate:"gte=0,lte=20"`
	TimeoutSeconds int       `json:"timeout_seconds" validate:"gte=0"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// JobStatus reports execution progress from a worker.
type JobStatus struct {
	JobID     string    `json:"job_id" validate:"required"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Status    string    `json:"status" validate:"required"`
	Progress  float64   `json:"progress" validate:"gte=0,lte=1"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// JobCancel asks the worker running a job to stop at the next step boundary.
type JobCancel struct {
	JobID  string `json:"job_id" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

// Ping is a liveness probe in either direction.
type Ping struct {
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

func (Heartbeat) MessageType() Type { return TypeHeartbeat }
func (JobAssign) MessageType() Type { return TypeJobAssign }
func (JobStatus) MessageType() Type { return TypeJobStatus }
func (JobCancel) MessageType() Type { return TypeJobCancel }
func (Ping) MessageType() Type      { return TypePing }

var validate = validator.New()

// Encode validates m and frames it in an Envelope.
func Encode(m Message) ([]byte, error) {
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", m.MessageType(), err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: m.MessageType(), SentAt: time.Now().UTC(), Data: data})
}

// decoders builds an empty message for each known type.
var decoders = map[Type]func() Message{
	TypeHeartbeat: func() Message { return &Heartbeat{} },
	TypeJobAssign: func() Message { return &JobAssign{} },
	TypeJobStatus: func() Message { return &JobStatus{} },
	TypeJobCancel: func() Message { return &JobCancel{} },
	TypePing:      func() Message { return &Ping{} },
}

// UnknownTypeError is returned by Decode for a type this build does not know.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string { return fmt.Sprintf("unknown message type %q", e.Type) }

// InvalidMessageError is returned by Decode for frames that cannot be parsed
// or fail validation.
type InvalidMessageError struct {
	Type Type
	Err  error
}

func (e *InvalidMessageError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("invalid envelope: %v", e.Err)
	}
	return fmt.Sprintf("invalid %s message: %v", e.Type, e.Err)
}

func (e *InvalidMessageError) Unwrap() error { return e.Err }

// Decode parses and validates a framed message. The result is a pointer to
// one of the message structs.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &InvalidMessageError{Err: err}
	}
	newMsg, ok := decoders[env.Type]
	if !ok {
		return nil, &UnknownTypeError{Type: env.Type}
	}
	m := newMsg()
	if err := json.Unmarshal(env.Data, m); err != nil {
		return nil, &InvalidMessageError{Type: env.Type, Err: err}
	}
	if err := validate.Struct(m); err != nil {
		return nil, &InvalidMessageError{Type: env.Type, Err: err}
	}
	return m, nil
}
