package flowfile

import (
	"encoding/json"

	"github.com/marmos91/edgeflow/internal/codec"
)

// Attribute is a single key/value pair.
type Attribute struct {
	Key   string `cbor:"1,keyasint" json:"key"`
	Value string `cbor:"2,keyasint" json:"value"`
}

// Attributes is an insertion-ordered string map.
//
// Setting an existing key updates it in place and keeps its position.
// The zero value is an empty, ready to use set. Attributes are not safe for
// concurrent mutation; records are only mutated through a single session.
type Attributes struct {
	pairs []Attribute
}

// NewAttributes builds an attribute set from pairs in order.
func NewAttributes(pairs ...Attribute) Attributes {
	var a Attributes
	for _, p := range pairs {
		a.Set(p.Key, p.Value)
	}
	return a
}

func (a *Attributes) index(key string) int {
	for i := range a.pairs {
		if a.pairs[i].Key == key {
			return i
		}
	}
	return -1
}

// Get returns the value for key.
func (a *Attributes) Get(key string) (string, bool) {
	if i := a.index(key); i >= 0 {
		return a.pairs[i].Value, true
	}
	return "", false
}

// Set inserts or updates key.
func (a *Attributes) Set(key, value string) {
	if i := a.index(key); i >= 0 {
		a.pairs[i].Value = value
		return
	}
	a.pairs = append(a.pairs, Attribute{Key: key, Value: value})
}

// Remove deletes key and reports whether it was present.
func (a *Attributes) Remove(key string) bool {
	i := a.index(key)
	if i < 0 {
		return false
	}
	a.pairs = append(a.pairs[:i], a.pairs[i+1:]...)
	return true
}

// Len returns the number of attributes.
func (a *Attributes) Len() int {
	return len(a.pairs)
}

// Keys returns the keys in insertion order.
func (a *Attributes) Keys() []string {
	keys := make([]string, len(a.pairs))
	for i, p := range a.pairs {
		keys[i] = p.Key
	}
	return keys
}

// Pairs returns a copy of the attributes in insertion order.
func (a *Attributes) Pairs() []Attribute {
	out := make([]Attribute, len(a.pairs))
	copy(out, a.pairs)
	return out
}

// Map returns an unordered copy.
func (a *Attributes) Map() map[string]string {
	out := make(map[string]string, len(a.pairs))
	for _, p := range a.pairs {
		out[p.Key] = p.Value
	}
	return out
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	if a.pairs == nil {
		return Attributes{}
	}
	return Attributes{pairs: a.Pairs()}
}

// MarshalCBOR encodes the attributes as an array of pairs so order survives
// a round trip through the metadata log.
func (a Attributes) MarshalCBOR() ([]byte, error) {
	pairs := a.pairs
	if pairs == nil {
		pairs = []Attribute{}
	}
	return codec.Marshal(pairs)
}

func (a *Attributes) UnmarshalCBOR(data []byte) error {
	var pairs []Attribute
	if err := codec.Unmarshal(data, &pairs); err != nil {
		return err
	}
	*a = NewAttributes(pairs...)
	return nil
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	pairs := a.pairs
	if pairs == nil {
		pairs = []Attribute{}
	}
	return json.Marshal(pairs)
}

func (a *Attributes) UnmarshalJSON(data []byte) error {
	var pairs []Attribute
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	*a = NewAttributes(pairs...)
	return nil
}
