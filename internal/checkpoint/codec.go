package checkpoint

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// Codec converts a stage's typed output to and from checkpoint bytes.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

type jsonCodec[T any] struct{}

// JSONCodec stores T as indented JSON and decodes back to a T value.
func JSONCodec[T any]() Codec {
	return jsonCodec[T]{}
}

func (jsonCodec[T]) Encode(v any) ([]byte, error) {
	switch v.(type) {
	case T, *T:
	default:
		var zero T
		return nil, fmt.Errorf("encode checkpoint: got %T, want %T", v, zero)
	}
	return pipeline.MarshalJSON(v)
}

func (jsonCodec[T]) Decode(data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return v, nil
}

// Registry maps stage identifiers to the codec for their payload, so the
// store itself stays generic over payload shapes.
type Registry struct {
	mu     sync.RWMutex
	codecs map[stageid.ID]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[stageid.ID]Codec)}
}

// Register binds c to id. Registering the same id twice is an error.
func (r *Registry) Register(id stageid.ID, c Codec) error {
	if c == nil {
		return fmt.Errorf("register codec for stage %s: nil codec", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codecs[id]; ok {
		return fmt.Errorf("codec for stage %s already registered", id)
	}
	r.codecs[id] = c
	return nil
}

// Codec returns the codec bound to id.
func (r *Registry) Codec(id stageid.ID) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[id]
	return c, ok
}

// Encode encodes v with id's codec.
func (r *Registry) Encode(id stageid.ID, v any) ([]byte, error) {
	c, ok := r.Codec(id)
	if !ok {
		return nil, fmt.Errorf("no codec registered for stage %s", id)
	}
	return c.Encode(v)
}

// Decode decodes data with id's codec.
func (r *Registry) Decode(id stageid.ID, data []byte) (any, error) {
	c, ok := r.Codec(id)
	if !ok {
		return nil, fmt.Errorf("no codec registered for stage %s", id)
	}
	return c.Decode(data)
}
