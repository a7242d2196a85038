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

// Package frictionless describes staged sessions as Frictionless data packages
// (https://specs.frictionlessdata.io/data-package/), listing every file of a
// session with its size and MD5 hash.
package frictionless

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/frictionlessdata/datapackage-go/datapackage"
	"github.com/frictionlessdata/datapackage-go/validator"

	"github.com/xnat-ingest/ingest/sessions"
)

// name of the data package descriptor written into a staged session directory
const DescriptorName = "datapackage.json"

// a Frictionless data package describing the files of a session
type DataPackage struct {
	// a timestamp indicated when the package was created
	Created string `json:"created,omitempty"`
	// a Markdown description of the data package
	Description string `json:"description,omitempty"`
	// an array of string keywords to assist users searching for the data package
	// in catalogs
	Keywords []string `json:"keywords,omitempty"`
	// the name of the data package
	Name string `json:"name"`
	// the profile of this descriptor per the DataPackage profiles specification
	// (https://specs.frictionlessdata.io/profiles/#language)
	Profile string `json:"profile,omitempty"`
	// a list of resources that belong to the package
	Resources []DataResource `json:"resources"`
	// a list identifying the sources for this resource (optional)
	Sources []DataSource `json:"sources,omitempty"`
	// a title or one sentence description for the data package
	Title string `json:"title,omitempty"`
}

// a Frictionless data resource describing a file of a session
// (https://specs.frictionlessdata.io/data-resource/)
type DataResource struct {
	// the size of the resource's file in bytes
	Bytes int64 `json:"bytes"`
	// indicates the format of the resource's file, often used as an extension
	Format string `json:"format,omitempty"`
	// the hash for the resource's file (algorithms other than MD5 are indicated
	// with a prefix to the hash delimited by a colon)
	Hash string `json:"hash"`
	// the mediatype/mimetype of the resource
	MediaType string `json:"mediatype,omitempty"`
	// a unique name for the resource, derived from its path
	Name string `json:"name"`
	// a relative path to the resource's file within the session directory
	Path string `json:"path"`
	// the fully qualified path (project:subject:visit:scan:resource) of the
	// session resource the file belongs to
	Title string `json:"title,omitempty"`
}

// call this to get a string containing the name of the hashing algorithm used
// by the receiver
func (res DataResource) HashAlgorithm() string {
	colon := strings.Index(res.Hash, ":")
	if colon != -1 {
		return res.Hash[:colon]
	} else {
		return "md5"
	}
}

// information about the source of a DataPackage
type DataSource struct {
	// a URI or relative path pointing to the source (optional)
	Path string `json:"path,omitempty"`
	// a descriptive title for the source
	Title string `json:"title"`
}

// characters not allowed in package and resource names
var invalidNameChars = regexp.MustCompile(`[^-a-z0-9._/]+`)

func packageName(s string) string {
	return invalidNameChars.ReplaceAllString(strings.ToLower(s), "_")
}

// Builds a data package listing the files of a session saved in the given
// directory. Every resource must have been saved (its checksums computed).
func SessionPackage(session *sessions.Session, dir string) (*DataPackage, error) {
	pkg := DataPackage{
		Created:  time.Now().UTC().Format(time.RFC3339),
		Keywords: []string{"imaging", "session"},
		Name:     packageName(session.Name()),
		Profile:  "data-package",
		Title:    session.Path(),
	}
	if session.SessionID != "" {
		pkg.Sources = []DataSource{{Title: session.SessionID}}
	}
	for resource := range session.SelectResources() {
		if resource.Checksums == nil {
			return nil, fmt.Errorf("resource '%s' has no checksums", resource.Path())
		}
		for _, file := range resource.Files {
			info, err := os.Stat(file.Path)
			if err != nil {
				return nil, err
			}
			relPath := path.Join(resource.Scan.DirName(), resource.Name, file.Name)
			pkg.Resources = append(pkg.Resources, DataResource{
				Bytes:     info.Size(),
				Format:    strings.TrimPrefix(path.Ext(file.Name), "."),
				Hash:      resource.Checksums[file.Name],
				MediaType: resource.Datatype(),
				Name:      packageName(relPath),
				Path:      relPath,
				Title:     resource.Path(),
			})
		}
	}
	return &pkg, nil
}

// returns the descriptor of the data package as a generic JSON object
func (p *DataPackage) Descriptor() (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var descriptor map[string]any
	err = json.Unmarshal(data, &descriptor)
	return descriptor, err
}

// validates the data package, returning its validated form, whose base path
// is the given directory
func (p *DataPackage) Validate(dir string) (*datapackage.Package, error) {
	descriptor, err := p.Descriptor()
	if err != nil {
		return nil, err
	}
	pkg, err := datapackage.New(descriptor, dir, validator.InMemoryLoader())
	if err != nil {
		return nil, &InvalidPackageError{Name: p.Name, Message: err.Error()}
	}
	return pkg, nil
}

// validates the data package and writes its descriptor into the given
// directory
func (p *DataPackage) Save(dir string) (*datapackage.Package, error) {
	pkg, err := p.Validate(dir)
	if err != nil {
		return nil, err
	}
	err = pkg.SaveDescriptor(filepath.Join(dir, DescriptorName))
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

// loads and validates the data package descriptor in the given directory
func Load(dir string) (*datapackage.Package, error) {
	data, err := os.ReadFile(filepath.Join(dir, DescriptorName))
	if err != nil {
		return nil, err
	}
	pkg, err := datapackage.FromString(string(data), dir, validator.InMemoryLoader())
	if err != nil {
		return nil, &InvalidPackageError{Name: dir, Message: err.Error()}
	}
	return pkg, nil
}

// indicates that a data package descriptor is invalid
type InvalidPackageError struct {
	Name    string
	Message string
}

func (e InvalidPackageError) Error() string {
	return fmt.Sprintf("Invalid data package '%s': %s", e.Name, e.Message)
}
