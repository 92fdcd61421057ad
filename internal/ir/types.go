package ir

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Fields holds field values keyed by camelCase field name.
type Fields map[string]any

// Clone returns a shallow copy. A nil receiver yields an empty map.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Object is the current-state row of a model instance.
//
// Fields contains exactly the fields declared for State.
type Object struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Fields Fields `json:"fields"`
}

// Get returns the value of a field, or nil when absent.
func (o Object) Get(name string) any {
	return o.Fields[name]
}

// Decode copies the object's fields into out, which must be a pointer to a
// struct or map. Struct fields are matched by `transit` tag, falling back to
// case-insensitive name matching. The object id and state are available
// under the "id" and "state" keys.
func (o Object) Decode(out any) error {
	input := o.Fields.Clone()
	input["id"] = o.ID
	input["state"] = o.State

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "transit",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("decode object: %w", err)
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("decode object %s: %w", o.ID, err)
	}
	return nil
}

// Transition is an immutable record of one state change applied to an object.
type Transition struct {
	// Seq is assigned by the backend on append. Zero until persisted.
	Seq         int64     `json:"seq"`
	ID          string    `json:"id"`
	ObjectID    string    `json:"object_id"`
	Model       string    `json:"model"`
	Type        string    `json:"type"`
	From        *string   `json:"from"`
	To          string    `json:"to"`
	Data        Fields    `json:"data"`
	Note        *string   `json:"note,omitempty"`
	TriggeredBy *string   `json:"triggered_by,omitempty"`
	AppliedAt   time.Time `json:"applied_at"`
}

// Initializing reports whether the transition created its object.
func (t Transition) Initializing() bool {
	return t.From == nil
}

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	// TaskCreated marks a task waiting to run (or waiting to be retried).
	TaskCreated TaskState = "created"
	// TaskCompleted marks a task whose handler returned successfully.
	TaskCompleted TaskState = "completed"
)

// Valid reports whether s is a known task state.
func (s TaskState) Valid() bool {
	return s == TaskCreated || s == TaskCompleted
}

// Task is one unit of work: run Consumer for TransitionID.
//
// At most one task exists per (TransitionID, Consumer).
type Task struct {
	ID           string    `json:"id"`
	TransitionID string    `json:"transition_id"`
	Consumer     string    `json:"consumer"`
	State        TaskState `json:"state"`
	// Attempts counts failed runs.
	Attempts int `json:"attempts"`
}

// Cause identifies what caused a transition. It is a value type: derive a
// new Cause rather than mutating one that is already in use.
type Cause struct {
	TriggeredBy string
}

// NoCause is the cause of a transition applied directly by application code.
var NoCause = Cause{}

// CausedBy returns a Cause attributing work to the given transition or task id.
func CausedBy(id string) Cause {
	return Cause{TriggeredBy: id}
}

// Ref returns TriggeredBy as a nullable value for storage.
func (c Cause) Ref() *string {
	if c.TriggeredBy == "" {
		return nil
	}
	s := c.TriggeredBy
	return &s
}

// Filter selects objects by field value. Keys are camelCase field names or
// "id" / "state". A slice value matches any of its elements.
type Filter map[string]any

// Query is a filtered, bounded object read. Limit <= 0 means unbounded.
type Query struct {
	Where Filter
	Limit int
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
