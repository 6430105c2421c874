// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire frame exchanged with clients. The meaning of ID
// depends on Type: tool-use id for tool messages, workflow id for
// workflow messages, execution id for execution messages, rule id for
// trigger-rule messages.
type Envelope struct {
	Type           string           `json:"type"`
	ID             string           `json:"id,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
	Content        string           `json:"content,omitempty"`
	Metadata       map[string]Value `json:"metadata,omitempty"`
}

// ValueKind tags a metadata value.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindInt    ValueKind = "int"
	KindDouble ValueKind = "double"
	KindBool   ValueKind = "bool"
	KindNull   ValueKind = "null"
	KindArray  ValueKind = "array"
	KindObject ValueKind = "object"
)

// Value is a tagged metadata value. The tag survives a round trip, so an
// int stays an int rather than decaying to a float.
type Value struct {
	Kind   ValueKind
	Str    string
	Int    int64
	Double float64
	Bool   bool
	Array  []Value
	Object map[string]Value
}

func String(s string) Value          { return Value{Kind: KindString, Str: s} }
func Int(n int64) Value              { return Value{Kind: KindInt, Int: n} }
func Double(f float64) Value         { return Value{Kind: KindDouble, Double: f} }
func Bool(b bool) Value              { return Value{Kind: KindBool, Bool: b} }
func Null() Value                    { return Value{Kind: KindNull} }
func Array(vs ...Value) Value        { return Value{Kind: KindArray, Array: vs} }
func Object(m map[string]Value) Value { return Value{Kind: KindObject, Object: m} }

// AsString returns the string payload when the value is tagged string.
func (v Value) AsString() (string, bool) {
	if v.Kind == KindString {
		return v.Str, true
	}
	return "", false
}

// AsInt returns the integer payload for int-tagged values. A
// double-tagged whole number is accepted too, since some clients only
// have one number type.
func (v Value) AsInt() (int64, bool) {
	switch v.Kind {
	case KindInt:
		return v.Int, true
	case KindDouble:
		if v.Double == float64(int64(v.Double)) {
			return int64(v.Double), true
		}
	}
	return 0, false
}

// AsBool returns the boolean payload when the value is tagged bool.
func (v Value) AsBool() (bool, bool) {
	if v.Kind == KindBool {
		return v.Bool, true
	}
	return false, false
}

type valueWire struct {
	Type  ValueKind       `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Kind {
	case KindString:
		payload = v.Str
	case KindInt:
		payload = v.Int
	case KindDouble:
		payload = v.Double
	case KindBool:
		payload = v.Bool
	case KindNull:
		return json.Marshal(valueWire{Type: KindNull})
	case KindArray:
		if v.Array == nil {
			payload = []Value{}
		} else {
			payload = v.Array
		}
	case KindObject:
		if v.Object == nil {
			payload = map[string]Value{}
		} else {
			payload = v.Object
		}
	default:
		return nil, fmt.Errorf("unknown metadata value kind %q", v.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueWire{Type: v.Kind, Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w valueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v.Kind = w.Type
	switch w.Type {
	case KindString:
		return json.Unmarshal(w.Value, &v.Str)
	case KindInt:
		return json.Unmarshal(w.Value, &v.Int)
	case KindDouble:
		return json.Unmarshal(w.Value, &v.Double)
	case KindBool:
		return json.Unmarshal(w.Value, &v.Bool)
	case KindNull:
		return nil
	case KindArray:
		return json.Unmarshal(w.Value, &v.Array)
	case KindObject:
		return json.Unmarshal(w.Value, &v.Object)
	default:
		return fmt.Errorf("unknown metadata value kind %q", w.Type)
	}
}
