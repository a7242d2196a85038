// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package fields resolves grouping and identity fields from the metadata of
// imaging resources.
package fields

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// the kinds of values that can appear in resource metadata
type Kind int

const (
	StringKind Kind = iota
	ListKind
	IntKind
)

// A metadata value: a string, a list of strings, or an integer.
type Value struct {
	kind Kind
	str  string
	list []string
	num  int
}

// creates a string value
func String(s string) Value {
	return Value{kind: StringKind, str: s}
}

// creates a list value
func List(items ...string) Value {
	return Value{kind: ListKind, list: slices.Clone(items)}
}

// creates an integer value
func Int(i int) Value {
	return Value{kind: IntKind, num: i}
}

func (v Value) Kind() Kind {
	return v.kind
}

// returns true if the value is an empty string or an empty list
func (v Value) IsEmpty() bool {
	switch v.kind {
	case StringKind:
		return v.str == ""
	case ListKind:
		return len(v.list) == 0
	}
	return false
}

// returns the value as a list of strings (scalars become single-element lists)
func (v Value) Strings() []string {
	switch v.kind {
	case ListKind:
		return slices.Clone(v.list)
	case IntKind:
		return []string{strconv.Itoa(v.num)}
	}
	return []string{v.str}
}

// returns the value as a single string; lists reduce to their most common
// element
func (v Value) String() string {
	switch v.kind {
	case ListKind:
		return mostCommon(v.list)
	case IntKind:
		return strconv.Itoa(v.num)
	}
	return v.str
}

func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case ListKind:
		return slices.Equal(v.list, other.list)
	case IntKind:
		return v.num == other.num
	}
	return v.str == other.str
}

// components of a DICOM person name ("family^given^middle^prefix^suffix")
var personNameComponents = []string{
	"family_name", "given_name", "middle_name", "name_prefix", "name_suffix",
}

// returns the named attribute of the value. Person-name components are
// supported for string values (and element-wise for lists).
func (v Value) Attr(name string) (Value, bool) {
	index := slices.Index(personNameComponents, name)
	if index == -1 || v.kind == IntKind {
		return Value{}, false
	}
	component := func(s string) string {
		// only the alphabetic representation is considered
		s, _, _ = strings.Cut(s, "=")
		parts := strings.Split(s, "^")
		if index < len(parts) {
			return strings.TrimSpace(parts[index])
		}
		return ""
	}
	if v.kind == ListKind {
		items := make([]string, len(v.list))
		for i, item := range v.list {
			items[i] = component(item)
		}
		return List(items...), true
	}
	return String(component(v.str)), true
}

// returns the most frequently occurring item, with ties broken by the order in
// which items were first seen
func mostCommon(items []string) string {
	if len(items) == 0 {
		return ""
	}
	counts := make(map[string]int)
	var order []string
	for _, item := range items {
		if counts[item] == 0 {
			order = append(order, item)
		}
		counts[item]++
	}
	best := order[0]
	for _, item := range order[1:] {
		if counts[item] > counts[best] {
			best = item
		}
	}
	return best
}

// converts a decoded JSON/YAML value into a metadata Value
func FromAny(x any) (Value, error) {
	switch val := x.(type) {
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(int(val)), nil
	case uint16:
		return Int(int(val)), nil
	case float64:
		if val == float64(int(val)) {
			return Int(int(val)), nil
		}
		return String(strconv.FormatFloat(val, 'f', -1, 64)), nil
	case bool:
		return String(strconv.FormatBool(val)), nil
	case []string:
		return List(val...), nil
	case []int:
		items := make([]string, len(val))
		for i, n := range val {
			items[i] = strconv.Itoa(n)
		}
		return List(items...), nil
	case []any:
		items := make([]string, len(val))
		for i, item := range val {
			itemValue, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			if itemValue.kind == ListKind {
				return Value{}, fmt.Errorf("Nested lists are not supported in metadata")
			}
			items[i] = itemValue.String()
		}
		return List(items...), nil
	case Value:
		return val, nil
	}
	return Value{}, fmt.Errorf("Unsupported metadata value type: %T", x)
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ListKind:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case IntKind:
		return json.Marshal(v.num)
	}
	return json.Marshal(v.str)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	value, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = value
	return nil
}

// metadata associated with a resource, keyed by field name
type Metadata map[string]Value

// returns the sorted names of the fields in the metadata
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// merges the metadata of several files: fields with identical values stay
// scalar, fields whose values differ become a list of the per-file values
func Collate(metadata []Metadata) Metadata {
	collated := make(Metadata)
	var keys []string
	seen := make(map[string]bool)
	for _, md := range metadata {
		for _, key := range md.Keys() {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	for _, key := range keys {
		var values []Value
		for _, md := range metadata {
			if value, found := md[key]; found {
				values = append(values, value)
			}
		}
		differ := false
		for _, value := range values[1:] {
			if !value.Equal(values[0]) {
				differ = true
				break
			}
		}
		if !differ {
			collated[key] = values[0]
			continue
		}
		items := make([]string, 0, len(values))
		for _, value := range values {
			items = append(items, value.String())
		}
		collated[key] = List(items...)
	}
	return collated
}
