package step

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownStepType is returned when decoding a step whose type has no
// registered decoder.
var ErrUnknownStepType = errors.New("unknown step type")

// DecodeFunc builds a step from its JSON body.
type DecodeFunc func(raw json.RawMessage) (Step, error)

// Registry maps step type names to decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewRegistry returns a registry that knows the built-in step types.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]DecodeFunc)}
	r.Register(TypeReplace, decodeReplace)
	return r
}

// DefaultRegistry is used by Encode and Decode.
var DefaultRegistry = NewRegistry()

// Register adds or replaces the decoder for a step type.
func (r *Registry) Register(name string, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[name] = fn
}

// envelope is the wire shape of a step: its type name plus its own fields.
type envelope struct {
	StepType string `json:"stepType"`
}

// Encode serializes a step with its type name.
func (r *Registry) Encode(s Step) (json.RawMessage, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode %s step: %w", s.Type(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s step: %w", s.Type(), err)
	}
	typeName, err := json.Marshal(s.Type())
	if err != nil {
		return nil, err
	}
	fields["stepType"] = typeName
	return json.Marshal(fields)
}

// Decode parses a step produced by Encode.
func (r *Registry) Decode(raw json.RawMessage) (Step, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}
	r.mu.RLock()
	fn, ok := r.decoders[env.StepType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("decode step %q: %w", env.StepType, ErrUnknownStepType)
	}
	s, err := fn(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s step: %w", env.StepType, err)
	}
	return s, nil
}

// EncodeAll encodes steps in order.
func (r *Registry) EncodeAll(steps []Step) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(steps))
	for i, s := range steps {
		raw, err := r.Encode(s)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// DecodeAll decodes steps in order. It fails on the first bad step.
func (r *Registry) DecodeAll(raws []json.RawMessage) ([]Step, error) {
	out := make([]Step, 0, len(raws))
	for i, raw := range raws {
		s, err := r.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Encode encodes with DefaultRegistry.
func Encode(s Step) (json.RawMessage, error) { return DefaultRegistry.Encode(s) }

// EncodeAll encodes with DefaultRegistry.
func EncodeAll(steps []Step) ([]json.RawMessage, error) { return DefaultRegistry.EncodeAll(steps) }

// Decode decodes with DefaultRegistry.
func Decode(raw json.RawMessage) (Step, error) { return DefaultRegistry.Decode(raw) }

func decodeReplace(raw json.RawMessage) (Step, error) {
	var r Replace
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r.From < 0 || r.To < r.From {
		return nil, fmt.Errorf("replace [%d,%d): %w", r.From, r.To, ErrOutOfRange)
	}
	return r, nil
}
