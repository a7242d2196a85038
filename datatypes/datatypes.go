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

// Package datatypes maintains the registry of the file datatypes from which
// sessions are assembled, along with their metadata readers.
package datatypes

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/xnat-ingest/ingest/fields"
)

// a function that reads the metadata embedded in a file
type MetadataReader func(path string) (fields.Metadata, error)

// a file datatype, identified by a mime-like name
type Datatype struct {
	// mime-like name, e.g. "medimage/dicom"
	Name string
	// file extensions (including the leading '.') used to detect the datatype
	Extensions []string
	// reads metadata from a file of this type (nil: no metadata)
	Reader MetadataReader
	// returns true if the leading bytes of a file identify this type
	Sniff func(header []byte) bool
}

// names of built-in datatypes
const (
	Generic = fields.GenericDatatype
	Dicom   = "medimage/dicom"
	JSON    = "application/json"
	YAML    = "application/yaml"
)

var registry = make(map[string]Datatype)
var mu sync.RWMutex

func init() {
	Register(Datatype{Name: Generic})
	Register(Datatype{
		Name:       Dicom,
		Extensions: []string{".dcm", ".ima"},
		Reader:     readDicomMetadata,
		Sniff:      isDicom,
	})
	Register(Datatype{
		Name:       JSON,
		Extensions: []string{".json"},
		Reader:     readJSONMetadata,
	})
	Register(Datatype{
		Name:       YAML,
		Extensions: []string{".yaml", ".yml"},
		Reader:     readYAMLMetadata,
	})
}

// registers a datatype, replacing any existing datatype with the same name
func Register(dt Datatype) error {
	if dt.Name == "" || !strings.Contains(dt.Name, "/") {
		return &InvalidDatatypeError{Name: dt.Name}
	}
	mu.Lock()
	defer mu.Unlock()
	registry[dt.Name] = dt
	return nil
}

// returns the datatype with the given name
func Lookup(name string) (Datatype, bool) {
	mu.RLock()
	defer mu.RUnlock()
	dt, found := registry[name]
	return dt, found
}

// returns the sorted names of all registered datatypes
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detects the datatype of the file at the given path from its extension (the
// longest matching extension wins) or, failing that, its leading bytes.
// Files that aren't recognized are generic.
func Detect(path string) string {
	mu.RLock()
	lower := strings.ToLower(path)
	best, bestLen := "", 0
	var sniffers []Datatype
	for _, dt := range registry {
		for _, ext := range dt.Extensions {
			if strings.HasSuffix(lower, strings.ToLower(ext)) && len(ext) > bestLen {
				best, bestLen = dt.Name, len(ext)
			}
		}
		if dt.Sniff != nil {
			sniffers = append(sniffers, dt)
		}
	}
	mu.RUnlock()
	if best != "" {
		return best
	}

	header, err := readHeader(path, 132)
	if err == nil {
		sort.Slice(sniffers, func(i, j int) bool { return sniffers[i].Name < sniffers[j].Name })
		for _, dt := range sniffers {
			if dt.Sniff(header) {
				return dt.Name
			}
		}
	}
	return Generic
}

func readHeader(path string, n int) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	header := make([]byte, n)
	read, err := io.ReadFull(file, header)
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	return header[:read], err
}

// DICOM part 10 files have a 128-byte preamble followed by "DICM"
func isDicom(header []byte) bool {
	return len(header) >= 132 && bytes.Equal(header[128:132], []byte("DICM"))
}

// Reads the metadata of the file at the given path using the reader for the
// given datatype. Datatypes without readers produce empty metadata.
func ReadMetadata(datatype, path string) (fields.Metadata, error) {
	dt, found := Lookup(datatype)
	if !found {
		return nil, &UnknownDatatypeError{Name: datatype}
	}
	if dt.Reader == nil {
		return fields.Metadata{}, nil
	}
	md, err := dt.Reader(path)
	if err != nil {
		return nil, &MetadataError{Path: path, Datatype: datatype, Err: err}
	}
	return md, nil
}

// indicates that a datatype name is malformed
type InvalidDatatypeError struct {
	Name string
}

func (e InvalidDatatypeError) Error() string {
	return fmt.Sprintf("Invalid datatype name '%s' (expected <type>/<subtype>)", e.Name)
}

// indicates that a datatype isn't registered
type UnknownDatatypeError struct {
	Name string
}

func (e UnknownDatatypeError) Error() string {
	return fmt.Sprintf("Unknown datatype: %s", e.Name)
}

// indicates that the metadata of a file couldn't be read
type MetadataError struct {
	Path     string
	Datatype string
	Err      error
}

func (e MetadataError) Error() string {
	return fmt.Sprintf("Couldn't read %s metadata from %s: %s", e.Datatype, e.Path, e.Err)
}

func (e MetadataError) Unwrap() error {
	return e.Err
}
