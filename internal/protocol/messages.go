package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MsgType identifies the envelope variants on the session wire. The payload
// shape is fully determined by the type; decoding rejects disagreement.
type MsgType string

const (
	TypeAddPoints       MsgType = "add_points"
	TypeRunInference    MsgType = "run_inference"
	TypeRemoveObject    MsgType = "remove_object"
	TypeReset           MsgType = "reset"
	TypeInitializeModel MsgType = "initialize_model"
	TypeTerminateModel  MsgType = "terminate_model"
	TypeError           MsgType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Envelope is the raw {msg_type, data} wire shape before payload decoding.
type Envelope struct {
	MsgType MsgType         `json:"msg_type"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// PointPrompt is one normalized click prompt. Coordinates are strictly
// inside (0, 1); the marker is 0 (negative) or 1 (positive).
type PointPrompt struct {
	ID          string  `json:"id"`
	FrameNumber int     `json:"frameNumber"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	MarkerType  int     `json:"markerType"`
}

func (p PointPrompt) Validate() error {
	if p.X <= 0 || p.X >= 1 {
		return fmt.Errorf("point %s: x %v out of range (0, 1)", p.ID, p.X)
	}
	if p.Y <= 0 || p.Y >= 1 {
		return fmt.Errorf("point %s: y %v out of range (0, 1)", p.ID, p.Y)
	}
	if p.MarkerType != 0 && p.MarkerType != 1 {
		return fmt.Errorf("point %s: marker type %d, want 0 or 1", p.ID, p.MarkerType)
	}
	if p.FrameNumber < 0 {
		return fmt.Errorf("point %s: negative frame number", p.ID)
	}
	return nil
}

// AnnotationObject groups the prompts for one labeled object.
type AnnotationObject struct {
	ID          string        `json:"id"`
	Label       string        `json:"label,omitempty"`
	ObjectColor any           `json:"objectColor"`
	Child       []PointPrompt `json:"child"`
}

func (o AnnotationObject) Validate() error {
	if o.ID == "" {
		return errors.New("annotation object missing id")
	}
	if len(o.Child) == 0 {
		return fmt.Errorf("object %s: child should not be empty", o.ID)
	}
	for _, p := range o.Child {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("object %s: %w", o.ID, err)
		}
	}
	return nil
}

// ValidateSingleFrame additionally requires all prompts on one frame.
func (o AnnotationObject) ValidateSingleFrame() error {
	if err := o.Validate(); err != nil {
		return err
	}
	frame := o.Child[0].FrameNumber
	for _, p := range o.Child[1:] {
		if p.FrameNumber != frame {
			return fmt.Errorf("object %s: all child points should be on the same frame", o.ID)
		}
	}
	return nil
}

// AddPoints carries prompt updates for the live model.
type AddPoints struct {
	MsgType MsgType            `json:"msg_type"`
	Data    []AnnotationObject `json:"data"`
}

// RunInference asks the worker to propagate the current prompts.
type RunInference struct {
	MsgType MsgType            `json:"msg_type"`
	Data    []AnnotationObject `json:"data"`
}

// RemoveObject drops objects by id from the live model state.
type RemoveObject struct {
	MsgType MsgType  `json:"msg_type"`
	Data    []string `json:"data"`
}

// Reset asks the worker to drop all interactive state.
type Reset struct {
	MsgType MsgType `json:"msg_type"`
}

// ErrorEnvelope is delivered in-band on the outbound channel; validation
// failures never close the session.
type ErrorEnvelope struct {
	MsgType MsgType        `json:"msg_type"`
	Data    any            `json:"data"`
	Error   map[string]any `json:"error"`
	Message string         `json:"message"`
}

func NewErrorEnvelope(code, message string) ErrorEnvelope {
	return ErrorEnvelope{
		MsgType: TypeError,
		Error:   map[string]any{"code": code},
		Message: message,
	}
}

// ParseClientMessage decodes and validates one inbound session envelope.
// Model lifecycle types are REST-only and rejected here.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.MsgType {
	case TypeAddPoints:
		var msg AddPoints
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid add_points: %w", err)
		}
		if len(msg.Data) == 0 {
			return nil, errors.New("add_points: data should not be empty")
		}
		for _, obj := range msg.Data {
			if err := obj.Validate(); err != nil {
				return nil, fmt.Errorf("add_points: %w", err)
			}
		}
		return msg, nil
	case TypeRunInference:
		var msg RunInference
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid run_inference: %w", err)
		}
		for _, obj := range msg.Data {
			if err := obj.Validate(); err != nil {
				return nil, fmt.Errorf("run_inference: %w", err)
			}
		}
		return msg, nil
	case TypeRemoveObject:
		var msg RemoveObject
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid remove_object: %w", err)
		}
		if len(msg.Data) == 0 {
			return nil, errors.New("remove_object: data should not be empty")
		}
		for _, id := range msg.Data {
			if id == "" {
				return nil, errors.New("remove_object: empty object id")
			}
		}
		return msg, nil
	case TypeReset:
		return Reset{MsgType: TypeReset}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.MsgType)
	}
}
