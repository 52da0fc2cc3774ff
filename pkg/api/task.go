package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TaskType identifies the kind of automation a worker is asked to run.
type TaskType string

const (
	TaskLoginCheck  TaskType = "login_check"
	TaskMeterPost   TaskType = "meter_post"
	TaskSingleCheck TaskType = "single_check"
	TaskMeterList   TaskType = "meter_list"
)

// TaskTypes lists every known task type.
var TaskTypes = []TaskType{TaskLoginCheck, TaskMeterPost, TaskSingleCheck, TaskMeterList}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ErrUnknownTaskType is returned when decoding a payload for an unsupported task type.
var ErrUnknownTaskType = errors.New("unknown task type")

// Payload is implemented by every task-specific payload schema.
type Payload interface {
	// TaskType returns the task type this payload belongs to.
	TaskType() TaskType

	// ItemCount returns the length of the payload's item collection (0 if it has none).
	// It seeds progress.total when a job is enqueued.
	ItemCount() int

	// Validate checks required fields.
	Validate() error
}

// Account holds the site credentials every task runs under.
type Account struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

func (a Account) validate() error {
	if strings.TrimSpace(a.UserID) == "" || a.Password == "" {
		return errors.New("userId and password are required")
	}
	return nil
}

// LoginCheckPayload verifies a set of site credentials.
type LoginCheckPayload struct {
	Account
}

func (LoginCheckPayload) TaskType() TaskType { return TaskLoginCheck }
func (LoginCheckPayload) ItemCount() int     { return 0 }
func (p LoginCheckPayload) Validate() error  { return p.Account.validate() }

// MeterEntry is a single meter record to be posted.
type MeterEntry struct {
	MeterNo        string `json:"meterNo"`
	SealNo         string `json:"sealNo"`
	PaymentMode    string `json:"paymentMode,omitempty"`
	ManufacturerID string `json:"manufacturerId,omitempty"`
	Phase          string `json:"phase,omitempty"`
	MeterType      string `json:"meterType,omitempty"`
	Volt           string `json:"volt,omitempty"`
}

// MeterPostPayload posts a batch of meters.
type MeterPostPayload struct {
	Account
	Meters []MeterEntry `json:"meters"`
}

func (MeterPostPayload) TaskType() TaskType { return TaskMeterPost }
func (p MeterPostPayload) ItemCount() int   { return len(p.Meters) }

func (p MeterPostPayload) Validate() error {
	if err := p.Account.validate(); err != nil {
		return err
	}
	if len(p.Meters) == 0 {
		return errors.New("meters must not be empty")
	}
	for i, m := range p.Meters {
		if m.MeterNo == "" {
			return fmt.Errorf("meters[%d]: meterNo is required", i)
		}
	}
	return nil
}

// SingleCheckPayload looks up a single meter.
type SingleCheckPayload struct {
	Account
	MeterNo string `json:"meterNo"`
}

func (SingleCheckPayload) TaskType() TaskType { return TaskSingleCheck }
func (SingleCheckPayload) ItemCount() int     { return 0 }

func (p SingleCheckPayload) Validate() error {
	if err := p.Account.validate(); err != nil {
		return err
	}
	if p.MeterNo == "" {
		return errors.New("meterNo is required")
	}
	return nil
}

// MeterListPayload fetches the meter inventory.
type MeterListPayload struct {
	Account
	Limit int `json:"limit,omitempty"`
}

func (MeterListPayload) TaskType() TaskType { return TaskMeterList }
func (MeterListPayload) ItemCount() int     { return 0 }

func (p MeterListPayload) Validate() error {
	if err := p.Account.validate(); err != nil {
		return err
	}
	if p.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	return nil
}

// DecodePayload parses raw into the schema registered for taskType and validates it.
func DecodePayload(taskType TaskType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch taskType {
	case TaskLoginCheck:
		var v LoginCheckPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", taskType, err)
		}
		p = v
	case TaskMeterPost:
		var v MeterPostPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", taskType, err)
		}
		p = v
	case TaskSingleCheck:
		var v SingleCheckPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", taskType, err)
		}
		p = v
	case TaskMeterList:
		var v MeterListPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", taskType, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", taskType, err)
	}
	return p, nil
}

// Progress is the last reported progress snapshot of a running task.
type Progress struct {
	Current  int    `json:"current" msgpack:"current"`
	Total    int    `json:"total" msgpack:"total"`
	LastItem string `json:"lastItem" msgpack:"lastItem"`
}

// TaskReport is what a worker sends back when a task finishes.
type TaskReport struct {
	Error  string          `json:"error,omitempty" msgpack:"error"`
	Count  int             `json:"count" msgpack:"count"`
	Failed int             `json:"failed" msgpack:"failed"`
	Data   json.RawMessage `json:"data,omitempty" msgpack:"data"`
}

// Succeeded reports whether the task counts as a success:
// no error and no failed items.
func (r TaskReport) Succeeded() bool {
	return r.Error == "" && r.Failed <= 0
}
