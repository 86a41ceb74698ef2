package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec turns a Record into a notification payload and back.
type Codec interface {
	Name() string
	Encode(r Record) ([]byte, error)
	Decode(b []byte) (Record, error)
}

// CodecByName returns the codec registered under name ("json" or "protobuf").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "protobuf":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown codec %q", name)
	}
}

// JSONCodec encodes records as compact JSON objects with sorted keys.
// This is the format the web console parses.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(map[string]any(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return b, nil
}

func (JSONCodec) Decode(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("protocol: decode json record: %w", err)
	}
	return r, nil
}

// ProtoCodec encodes records as a google.protobuf.Struct. Numbers are
// carried as doubles, so integers above 2^53 lose precision.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "protobuf" }

func (ProtoCodec) Encode(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	fields := make(map[string]any, len(r))
	for k, v := range r {
		fields[k] = widen(v)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal struct: %w", err)
	}
	return b, nil
}

func (ProtoCodec) Decode(b []byte) (Record, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("protocol: decode protobuf record: %w", err)
	}
	return Record(s.AsMap()), nil
}

// widen maps the small integer kinds structpb does not accept.
func widen(v any) any {
	switch x := v.(type) {
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	default:
		return v
	}
}
