package protocol

import (
	"encoding/json"
	"fmt"
)

// Action is the envelope action vocabulary.
type Action string

const (
	ActionAdd         Action = "add"
	ActionUpdateByIDs Action = "updateByIds"
	ActionDeleteByIDs Action = "deleteByIds"
	ActionSetAll      Action = "setAll"
	ActionError       Action = "error"
)

// Envelope is the wire message unit: one action plus its payload, one per
// websocket frame.
type Envelope struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AddPayload struct {
	Todo Item `json:"todo"`
}

type UpdateByIDsPayload struct {
	IDs     []ItemID `json:"ids"`
	Changes Changes  `json:"changes"`
}

type DeleteByIDsPayload struct {
	IDs []ItemID `json:"ids"`
}

type SetAllPayload struct {
	Todos []Item `json:"todos"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Changes is the fixed set of item fields a client may update. Keeping this
// a closed struct rather than a free-form map is what stops arbitrary change
// keys from reaching the record store's update statement.
type Changes struct {
	Label *string `json:"label,omitempty"`
	Done  *bool   `json:"done,omitempty"`
}

func (c *Changes) UnmarshalJSON(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	for name, value := range fields {
		switch name {
		case "label":
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				return fmt.Errorf("invalid label change: %w", err)
			}
			c.Label = &s
		case "done":
			var b bool
			if err := json.Unmarshal(value, &b); err != nil {
				return fmt.Errorf("invalid done change: %w", err)
			}
			c.Done = &b
		default:
			return &UnknownFieldError{Field: name}
		}
	}
	return nil
}

func (c Changes) IsZero() bool {
	return c.Label == nil && c.Done == nil
}

// NewEnvelope builds an envelope around an already-typed payload.
func NewEnvelope(action Action, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", action, err)
	}
	return Envelope{Action: action, Payload: raw}, nil
}

func NewAdd(todo Item) (Envelope, error) {
	return NewEnvelope(ActionAdd, AddPayload{Todo: todo})
}

func NewUpdateByIDs(ids []ItemID, changes Changes) (Envelope, error) {
	return NewEnvelope(ActionUpdateByIDs, UpdateByIDsPayload{IDs: ids, Changes: changes})
}

func NewDeleteByIDs(ids []ItemID) (Envelope, error) {
	return NewEnvelope(ActionDeleteByIDs, DeleteByIDsPayload{IDs: ids})
}

func NewSetAll(todos []Item) (Envelope, error) {
	return NewEnvelope(ActionSetAll, SetAllPayload{Todos: todos})
}

func NewError(message string) Envelope {
	raw, _ := json.Marshal(ErrorPayload{Message: message})
	return Envelope{Action: ActionError, Payload: raw}
}

// Encode serializes an envelope to one wire frame.
func Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return raw, nil
}

// Decode parses one wire frame. A malformed frame yields a DecodeError and a
// well-formed frame with an action outside the vocabulary yields an
// UnknownActionError together with the parsed envelope, so the caller can
// answer the sender rather than drop the connection.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &DecodeError{Cause: err}
	}
	switch env.Action {
	case ActionAdd, ActionUpdateByIDs, ActionDeleteByIDs, ActionSetAll, ActionError:
		return env, nil
	default:
		return env, &UnknownActionError{Action: string(env.Action)}
	}
}

func (e Envelope) DecodeAdd() (AddPayload, error) {
	var p AddPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return AddPayload{}, &DecodeError{Cause: err}
	}
	return p, nil
}

func (e Envelope) DecodeUpdateByIDs() (UpdateByIDsPayload, error) {
	var p UpdateByIDsPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return UpdateByIDsPayload{}, &DecodeError{Cause: err}
	}
	return p, nil
}

func (e Envelope) DecodeDeleteByIDs() (DeleteByIDsPayload, error) {
	var p DeleteByIDsPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return DeleteByIDsPayload{}, &DecodeError{Cause: err}
	}
	return p, nil
}

func (e Envelope) DecodeSetAll() (SetAllPayload, error) {
	var p SetAllPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return SetAllPayload{}, &DecodeError{Cause: err}
	}
	return p, nil
}

func (e Envelope) DecodeErrorPayload() (ErrorPayload, error) {
	var p ErrorPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ErrorPayload{}, &DecodeError{Cause: err}
	}
	return p, nil
}
