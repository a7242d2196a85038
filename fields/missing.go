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

package fields

import (
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"
)

// prefix of every synthesized placeholder
const MissingPrefix = "INVALID_MISSING_"

const suffixChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const suffixLength = 8

var nonUpperSnakeRegexp = regexp.MustCompile(`[^A-Z0-9_]`)

// MissingIDs holds the placeholders synthesized for fields that are missing
// from the metadata of a session's resources. One instance is shared by all
// resources of a session so that they receive the same placeholders.
type MissingIDs struct {
	ids map[string]string
}

func NewMissingIDs() *MissingIDs {
	return &MissingIDs{ids: make(map[string]string)}
}

// returns the placeholder for the given field, synthesizing it if needed
func (m *MissingIDs) Get(field string) string {
	if id, found := m.ids[field]; found {
		return id
	}
	var suffix strings.Builder
	for range suffixLength {
		suffix.WriteByte(suffixChars[rand.IntN(len(suffixChars))])
	}
	id := MissingPrefix + nonUpperSnakeRegexp.ReplaceAllString(strings.ToUpper(field), "_") +
		"_" + suffix.String()
	m.ids[field] = id
	return id
}

// returns true if any placeholder has been synthesized
func (m *MissingIDs) Synthesized() bool {
	return m != nil && len(m.ids) > 0
}

// returns the sorted names of fields for which placeholders were synthesized
func (m *MissingIDs) Fields() []string {
	if m == nil {
		return nil
	}
	fields := make([]string, 0, len(m.ids))
	for field := range m.ids {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// returns true if the given identifier was synthesized for a missing field
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, MissingPrefix)
}
