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
	"regexp"
	"strconv"
	"strings"
)

// the datatype that matches all resources
const GenericDatatype = "generic/file-set"

// A resource from which fields can be extracted.
type Source interface {
	// the metadata of the resource
	Metadata() Metadata
	// the datatype of the resource, e.g. "medimage/dicom"
	Datatype() string
}

// a field specification: the name of a metadata field with an optional index
// or slice, along with the datatype of the resources it applies to
type FieldSpec struct {
	// the surface string, e.g. ImageType[-1]
	Field string
	// the datatype of the resources this spec applies to (empty: any)
	Datatype string

	name  string
	index *indexExpr
}

type indexExpr struct {
	isSlice     bool
	index       int
	start, stop *int
}

var indexedFieldRegexp = regexp.MustCompile(`^(\w+)\[([\-\d:]+)\]$`)
var plainFieldRegexp = regexp.MustCompile(`^\w+$`)

// characters that aren't allowed in path segments
var invalidPathCharsRegexp = regexp.MustCompile(`[\-<>:"/\\|?*\x00-\x1f]`)

// Parses a field specification surface string, e.g. "SeriesNumber",
// "ImageType[-1]", or "ImageType[2:]".
func ParseFieldSpec(field, datatype string) (FieldSpec, error) {
	spec := FieldSpec{Field: field, Datatype: datatype}
	if match := indexedFieldRegexp.FindStringSubmatch(field); match != nil {
		spec.name = match[1]
		expr, err := parseIndex(match[2])
		if err != nil {
			return spec, &InvalidFieldSpecError{Field: field, Message: err.Error()}
		}
		spec.index = expr
		return spec, nil
	}
	if !plainFieldRegexp.MatchString(field) {
		return spec, &InvalidFieldSpecError{
			Field:   field,
			Message: "expected <FieldName> or <FieldName>[<index-or-slice>]",
		}
	}
	spec.name = field
	return spec, nil
}

// parses every field specification in the given list, returning the first
// error encountered
func ParseFieldSpecs(fields, datatypes []string) ([]FieldSpec, error) {
	specs := make([]FieldSpec, len(fields))
	for i, field := range fields {
		var datatype string
		if i < len(datatypes) {
			datatype = datatypes[i]
		}
		var err error
		specs[i], err = ParseFieldSpec(field, datatype)
		if err != nil {
			return nil, err
		}
	}
	return specs, nil
}

func parseIndex(expr string) (*indexExpr, error) {
	bound := func(s string) (*int, error) {
		if s == "" {
			return nil, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, err
		}
		return &n, nil
	}
	if start, stop, isSlice := strings.Cut(expr, ":"); isSlice {
		if strings.Contains(stop, ":") {
			return nil, fmt.Errorf("slice steps are not supported")
		}
		startBound, err := bound(start)
		if err != nil {
			return nil, err
		}
		stopBound, err := bound(stop)
		if err != nil {
			return nil, err
		}
		return &indexExpr{isSlice: true, start: startBound, stop: stopBound}, nil
	}
	n, err := strconv.Atoi(expr)
	if err != nil {
		return nil, err
	}
	return &indexExpr{index: n}, nil
}

// returns the name of the field with any index or slice removed
func (spec FieldSpec) FieldName() string {
	if spec.name == "" {
		name, _, _ := strings.Cut(spec.Field, "[")
		return name
	}
	return spec.name
}

// returns true if the spec applies to resources of the given datatype
func (spec FieldSpec) Matches(datatype string) bool {
	return DatatypeMatches(spec.Datatype, datatype)
}

// returns true if resources of the given datatype satisfy the pattern, which
// may be empty (any datatype), the generic file-set datatype, a prefix
// wildcard like "medimage/*", or an exact datatype
func DatatypeMatches(pattern, datatype string) bool {
	switch {
	case pattern == "" || pattern == GenericDatatype || pattern == "*/*":
		return true
	case strings.HasSuffix(pattern, "/*"):
		return strings.HasPrefix(datatype, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == datatype
}

// Resolves the field from the metadata of the given resource as a
// path-safe string. If the field is missing or empty and missing is non-nil, a
// placeholder is synthesized (and cached) for the field; otherwise a
// MissingFieldError is returned.
func (spec FieldSpec) GetValue(src Source, missing *MissingIDs) (string, error) {
	name := spec.FieldName()
	metadata := src.Metadata()
	value, found := metadata[name]
	if !found || value.IsEmpty() {
		if missing == nil {
			return "", &MissingFieldError{Field: name, Available: metadata.Keys()}
		}
		// placeholders are used as-is (no indexing)
		return Sanitize(missing.Get(name)), nil
	}

	var str string
	if spec.index != nil && value.Kind() == ListKind {
		items := value.Strings()
		if spec.index.isSlice {
			start, stop := sliceBounds(len(items), spec.index.start, spec.index.stop)
			str = strings.Join(items[start:stop], "_")
		} else {
			i := spec.index.index
			if i < 0 {
				i += len(items)
			}
			if i < 0 || i >= len(items) {
				return "", &IndexError{Field: spec.Field, Length: len(items)}
			}
			str = items[i]
		}
	} else {
		str = value.String()
	}
	return Sanitize(str), nil
}

// computes clamped slice bounds (with negative bounds counting from the end)
func sliceBounds(length int, start, stop *int) (int, int) {
	clamp := func(b *int, def int) int {
		if b == nil {
			return def
		}
		n := *b
		if n < 0 {
			n += length
		}
		return max(0, min(n, length))
	}
	lo, hi := clamp(start, 0), clamp(stop, length)
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Resolves a value using the first of the given specs whose datatype matches
// that of the resource.
func GetValueFromFields(src Source, specs []FieldSpec, missing *MissingIDs) (string, error) {
	for _, spec := range specs {
		if spec.Matches(src.Datatype()) {
			return spec.GetValue(src, missing)
		}
	}
	return "", &NoMatchingFieldSpecError{Datatype: src.Datatype(), Specs: specs}
}

// replaces characters that are illegal in paths with underscores, as well as
// every character of a value consisting only of dots (".", "..")
func Sanitize(value string) string {
	if value != "" && strings.Trim(value, ".") == "" {
		return strings.Repeat("_", len(value))
	}
	return invalidPathCharsRegexp.ReplaceAllString(value, "_")
}
