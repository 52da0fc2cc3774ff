package api

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageType tags a websocket frame.
type MessageType string

// Worker -> coordinator.
const (
	MsgRegister      MessageType = "register"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgTaskProgress  MessageType = "task_progress"
	MsgTaskCompleted MessageType = "task_completed"
	MsgCheckVersion  MessageType = "check_version"
)

// Coordinator -> worker / dashboard.
const (
	MsgRegistered    MessageType = "registered"
	MsgExecuteTask   MessageType = "execute_task"
	MsgUpdateLogic   MessageType = "update_logic_file"
	MsgLogicUpToDate MessageType = "logic_uptodate"
	MsgAuthError     MessageType = "auth_error"
	MsgWorkerUpdate  MessageType = "worker_update"
)

// Handshake header names. The same values are accepted as query parameters
// (machine_id, secret_key, type) for clients that cannot set headers.
const (
	HeaderMachineID      = "X-Machine-ID"
	HeaderSecretKey      = "X-Secret-Key"
	HeaderConnectionType = "X-Connection-Type"
)

// Envelope is the outer frame of every websocket message.
type Envelope struct {
	Type MessageType        `msgpack:"type"`
	Data msgpack.RawMessage `msgpack:"data"`
}

type RegisterMessage struct {
	DeviceID string `msgpack:"deviceId"`
}

type RegisteredMessage struct {
	ConnectionID string `msgpack:"connectionId"`
	Name         string `msgpack:"name"`
}

type HeartbeatMessage struct{}

type TaskProgressMessage struct {
	RequestID string   `msgpack:"requestId"`
	Progress  Progress `msgpack:"progress"`
}

type TaskCompletedMessage struct {
	RequestID string     `msgpack:"requestId"`
	Result    TaskReport `msgpack:"result"`
}

type CheckVersionMessage struct {
	Hash string `msgpack:"hash"`
}

// ExecuteTaskMessage carries the task payload as the JSON document the producer submitted.
type ExecuteTaskMessage struct {
	RequestID string          `msgpack:"requestId"`
	TaskType  TaskType        `msgpack:"taskType"`
	Payload   json.RawMessage `msgpack:"payload"`
}

type UpdateLogicMessage struct {
	Hash    string `msgpack:"hash"`
	Content []byte `msgpack:"content"`
}

type LogicUpToDateMessage struct{}

type AuthErrorMessage struct {
	Reason string `msgpack:"reason"`
}

type WorkerUpdateMessage struct {
	Active int `msgpack:"active"`
}

// Encode builds a binary frame for the given message.
func Encode(t MessageType, v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	frame, err := msgpack.Marshal(&Envelope{Type: t, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", t, err)
	}
	return frame, nil
}

// DecodeEnvelope reads the outer frame; the body is decoded later with Envelope.Decode.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &env, nil
}

// Decode unmarshals the envelope body into v.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}
