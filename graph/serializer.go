package graph

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Serializer converts state to and from checkpoint bytes.
//
// Unmarshal(Marshal(s)) must reproduce s exactly; resume correctness
// depends on it.
type Serializer[S any] interface {
	Marshal(state S) ([]byte, error)
	Unmarshal(data []byte) (S, error)
}

// JSONSerializer encodes state with encoding/json. It is the default. It
// round-trips exported fields exactly, including nil versus empty slices
// and maps, as long as strings are valid UTF-8.
type JSONSerializer[S any] struct{}

func (JSONSerializer[S]) Marshal(state S) ([]byte, error) {
	return json.Marshal(state)
}

func (JSONSerializer[S]) Unmarshal(data []byte) (S, error) {
	var s S
	err := json.Unmarshal(data, &s)
	return s, err
}

// YAMLSerializer encodes state as YAML, which keeps checkpoints readable
// when inspected by hand. Unlike JSONSerializer it does not distinguish a
// nil slice or map from an empty one.
type YAMLSerializer[S any] struct{}

func (YAMLSerializer[S]) Marshal(state S) ([]byte, error) {
	return yaml.Marshal(state)
}

func (YAMLSerializer[S]) Unmarshal(data []byte) (S, error) {
	var s S
	err := yaml.Unmarshal(data, &s)
	return s, err
}
