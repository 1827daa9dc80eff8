// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package pluginsdk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
)

// Request carries caller supplied context through to a module.
type Request struct {
	CorrelationID string      `json:"correlation_id,omitempty"`
	Tags          []string    `json:"tags,omitempty"`
	Version       string      `json:"version,omitempty"`
	Properties    *Properties `json:"properties,omitempty"`
}

// Property reads a request property. Safe on a request without properties.
func (r Request) Property(key string) (string, bool) {
	return r.Properties.Get(key)
}

// Properties is a string map that remembers insertion order.
// The zero value is ready to use; a nil *Properties reads as empty.
type Properties struct {
	keys   []string
	values map[string]string
}

// NewProperties builds Properties from alternating key/value arguments.
// A trailing key without a value is stored with an empty value.
func NewProperties(kv ...string) *Properties {
	p := &Properties{}
	for i := 0; i < len(kv); i += 2 {
		v := ""
		if i+1 < len(kv) {
			v = kv[i+1]
		}
		p.Set(kv[i], v)
	}
	return p
}

// Set stores value under key. Updating an existing key keeps its position.
func (p *Properties) Set(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value stored under key.
func (p *Properties) Get(key string) (string, bool) {
	if p == nil || p.values == nil {
		return "", false
	}
	v, ok := p.values[key]
	return v, ok
}

// Len returns the number of properties.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Keys returns the keys in insertion order.
func (p *Properties) Keys() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// All iterates key/value pairs in insertion order.
func (p *Properties) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		if p == nil {
			return
		}
		for _, k := range p.keys {
			if !yield(k, p.values[k]) {
				return
			}
		}
	}
}

// Clone returns an independent copy.
func (p *Properties) Clone() *Properties {
	out := &Properties{}
	for k, v := range p.All() {
		out.Set(k, v)
	}
	return out
}

// MarshalJSON encodes the properties as a JSON object in insertion order.
func (p *Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	i := 0
	for k, v := range p.All() {
		if i > 0 {
			buf.WriteByte(',')
		}
		i++
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of strings, keeping document order.
func (p *Properties) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("properties: expected JSON object, got %v", tok)
	}
	*p = Properties{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("properties: expected string key, got %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("properties: value of %q: %w", key, err)
		}
		p.Set(key, value)
	}
	_, err = dec.Token()
	return err
}
