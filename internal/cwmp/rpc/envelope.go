package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned when an envelope names no known message.
var ErrUnknownMessage = errors.New("rpc: unknown message type")

// Envelope carries one message over the JSON exchange endpoint.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var factories = map[string]func() Message{
	"GetParameterNames":          func() Message { return &GetParameterNames{} },
	"GetParameterValues":         func() Message { return &GetParameterValues{} },
	"SetParameterValues":         func() Message { return &SetParameterValues{} },
	"AddObject":                  func() Message { return &AddObject{} },
	"DeleteObject":               func() Message { return &DeleteObject{} },
	"Reboot":                     func() Message { return &Reboot{} },
	"FactoryReset":               func() Message { return &FactoryReset{} },
	"Download":                   func() Message { return &Download{} },
	"GetParameterNamesResponse":  func() Message { return &GetParameterNamesResponse{} },
	"GetParameterValuesResponse": func() Message { return &GetParameterValuesResponse{} },
	"SetParameterValuesResponse": func() Message { return &SetParameterValuesResponse{} },
	"AddObjectResponse":          func() Message { return &AddObjectResponse{} },
	"DeleteObjectResponse":       func() Message { return &DeleteObjectResponse{} },
	"RebootResponse":             func() Message { return &RebootResponse{} },
	"FactoryResetResponse":       func() Message { return &FactoryResetResponse{} },
	"DownloadResponse":           func() Message { return &DownloadResponse{} },
	"Inform":                     func() Message { return &Inform{} },
	"TransferComplete":           func() Message { return &TransferComplete{} },
	"GetRPCMethods":              func() Message { return &GetRPCMethods{} },
	"InformResponse":             func() Message { return &InformResponse{} },
	"TransferCompleteResponse":   func() Message { return &TransferCompleteResponse{} },
	"GetRPCMethodsResponse":      func() Message { return &GetRPCMethodsResponse{} },
	"Fault":                      func() Message { return &Fault{} },
}

// Encode wraps msg in an envelope.
func Encode(id string, msg Message) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s: %w", msg.Name(), err)
	}
	return Envelope{Type: msg.Name(), ID: id, Payload: payload}, nil
}

// Decode returns the message carried by env.
func Decode(env Envelope) (Message, error) {
	factory, ok := factories[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	msg := factory()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
		}
	}
	return msg, nil
}
