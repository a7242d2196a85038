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

package datatypes

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gopkg.in/yaml.v3"

	"github.com/xnat-ingest/ingest/fields"
)

// reads a JSON object whose fields are metadata
func readJSONMetadata(path string) (fields.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var md fields.Metadata
	err = json.Unmarshal(data, &md)
	if err != nil {
		return nil, err
	}
	return md, nil
}

// reads a YAML mapping whose fields are metadata
func readYAMLMetadata(path string) (fields.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	err = yaml.Unmarshal(data, &raw)
	if err != nil {
		return nil, err
	}
	md := make(fields.Metadata, len(raw))
	for key, x := range raw {
		value, err := fields.FromAny(x)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		md[key] = value
	}
	return md, nil
}

// reads the header elements of a DICOM file (pixel data is skipped)
func readDicomMetadata(path string) (fields.Metadata, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, err
	}
	return dicomMetadata(ds), nil
}

// converts the string, integer, and float elements of a dataset into metadata
// keyed by DICOM keyword
func dicomMetadata(ds dicom.Dataset) fields.Metadata {
	md := make(fields.Metadata)
	for _, el := range ds.Elements {
		if el == nil || el.Value == nil {
			continue
		}
		info, err := tag.Find(el.Tag)
		if err != nil || info.Name == "" {
			continue
		}
		var items []string
		switch el.Value.ValueType() {
		case dicom.Strings:
			strs, _ := el.Value.GetValue().([]string)
			for _, str := range strs {
				items = append(items, strings.TrimRight(str, " \x00"))
			}
		case dicom.Ints:
			ints, _ := el.Value.GetValue().([]int)
			if len(ints) == 1 {
				md[info.Name] = fields.Int(ints[0])
				continue
			}
			for _, n := range ints {
				items = append(items, strconv.Itoa(n))
			}
		case dicom.Floats:
			floats, _ := el.Value.GetValue().([]float64)
			for _, f := range floats {
				items = append(items, strconv.FormatFloat(f, 'f', -1, 64))
			}
		default:
			continue
		}
		if len(items) == 1 {
			md[info.Name] = fields.String(items[0])
		} else {
			md[info.Name] = fields.List(items...)
		}
	}
	return md
}
