package replica

import (
	"encoding/json"
	"fmt"
)

// the action vocabulary sent over the transport.
// actions are framed as a json envelope with the action type first,
// followed by the typed payload.
// json is used rather than a schema codec because replica data is a
// schemaless dynamic tree. note that numbers decode client-side as float64.

type ActionType string

const (
	// server -> client
	ActionTypeCreate      ActionType = "create"
	ActionTypeUpdate      ActionType = "update"
	ActionTypeArrayInsert ActionType = "array_insert"
	ActionTypeArrayRemove ActionType = "array_remove"
	ActionTypeSetParent   ActionType = "set_parent"
	ActionTypeDestroy     ActionType = "destroy"
	// client -> server
	ActionTypeRequestData ActionType = "request_data"
)

type Frame struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CreateAction struct {
	ReplicaId string         `json:"replica_id"`
	Tags      []string       `json:"tags,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	ParentId  string         `json:"parent_id,omitempty"`
}

// paths are carried as typed segment arrays, not dotted strings, so a
// numeric-looking map key survives the roundtrip as a key
type UpdateAction struct {
	ReplicaId string `json:"replica_id"`
	Path      Path   `json:"path"`
	Value     any    `json:"value"`
}

type ArrayInsertAction struct {
	ReplicaId string `json:"replica_id"`
	Path      Path   `json:"path"`
	Index     int    `json:"index"`
	Value     any    `json:"value"`
}

type ArrayRemoveAction struct {
	ReplicaId string `json:"replica_id"`
	Path      Path   `json:"path"`
	Index     int    `json:"index"`
}

type SetParentAction struct {
	ReplicaId string `json:"replica_id"`
	ParentId  string `json:"parent_id,omitempty"`
}

type DestroyAction struct {
	ReplicaId string `json:"replica_id"`
}

type RequestDataAction struct {
}

func actionType(action any) (ActionType, error) {
	switch action.(type) {
	case *CreateAction:
		return ActionTypeCreate, nil
	case *UpdateAction:
		return ActionTypeUpdate, nil
	case *ArrayInsertAction:
		return ActionTypeArrayInsert, nil
	case *ArrayRemoveAction:
		return ActionTypeArrayRemove, nil
	case *SetParentAction:
		return ActionTypeSetParent, nil
	case *DestroyAction:
		return ActionTypeDestroy, nil
	case *RequestDataAction:
		return ActionTypeRequestData, nil
	default:
		return "", fmt.Errorf("unknown action %T", action)
	}
}

func EncodeFrame(action any) ([]byte, error) {
	t, err := actionType(action)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Frame{
		Type:    t,
		Payload: payload,
	})
}

func RequireEncodeFrame(action any) []byte {
	frameBytes, err := EncodeFrame(action)
	if err != nil {
		panic(err)
	}
	return frameBytes
}

// decodes a frame into its typed action
func DecodeFrame(frameBytes []byte) (any, error) {
	var frame Frame
	if err := json.Unmarshal(frameBytes, &frame); err != nil {
		return nil, err
	}

	var action any
	switch frame.Type {
	case ActionTypeCreate:
		action = &CreateAction{}
	case ActionTypeUpdate:
		action = &UpdateAction{}
	case ActionTypeArrayInsert:
		action = &ArrayInsertAction{}
	case ActionTypeArrayRemove:
		action = &ArrayRemoveAction{}
	case ActionTypeSetParent:
		action = &SetParentAction{}
	case ActionTypeDestroy:
		action = &DestroyAction{}
	case ActionTypeRequestData:
		action = &RequestDataAction{}
	default:
		return nil, fmt.Errorf("unknown action type %s", frame.Type)
	}
	if len(frame.Payload) != 0 {
		if err := json.Unmarshal(frame.Payload, action); err != nil {
			return nil, err
		}
	}
	return action, nil
}
