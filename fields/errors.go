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
	"fmt"
	"strings"
)

// a parse error encountered resolving fields from metadata
type ParseError interface {
	error
	parseError()
}

// indicates that a field is missing from a resource's metadata
type MissingFieldError struct {
	Field     string
	Available []string
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("Did not find '%s' field in metadata, cannot uniquely identify the resource, found:\n%s",
		e.Field, strings.Join(e.Available, "\n"))
}

func (e MissingFieldError) parseError() {}

// indicates that a field specification string is malformed
type InvalidFieldSpecError struct {
	Field   string
	Message string
}

func (e InvalidFieldSpecError) Error() string {
	return fmt.Sprintf("Invalid field specification '%s': %s", e.Field, e.Message)
}

func (e InvalidFieldSpecError) parseError() {}

// indicates that an index is out of range for a list-valued field
type IndexError struct {
	Field  string
	Length int
}

func (e IndexError) Error() string {
	return fmt.Sprintf("Index in '%s' is out of range for a list of length %d", e.Field, e.Length)
}

func (e IndexError) parseError() {}

// indicates that none of the given field specifications apply to a resource
type NoMatchingFieldSpecError struct {
	Datatype string
	Specs    []FieldSpec
}

func (e NoMatchingFieldSpecError) Error() string {
	specs := make([]string, len(e.Specs))
	for i, spec := range e.Specs {
		specs[i] = fmt.Sprintf("%s (%s)", spec.Field, spec.Datatype)
	}
	return fmt.Sprintf("No field specification matches resources of type %s, provided [%s]",
		e.Datatype, strings.Join(specs, ", "))
}

func (e NoMatchingFieldSpecError) parseError() {}
