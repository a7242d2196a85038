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

package sessions

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/xnat-ingest/ingest/config"
)

// characters stripped from scan types so they can be used in directory names
var scanTypeUnsafe = regexp.MustCompile(`["*/:<>?\\|+,.;=\[\]]+`)

// removes characters that aren't valid in directory names from a scan type
func SanitizeScanType(scanType string) string {
	return scanTypeUnsafe.ReplaceAllString(scanType, "")
}

// A named group of resources sharing an acquisition identity within a session.
type Scan struct {
	ID   string
	Type string
	// resources by name
	Resources map[string]*Resource
	// the associated-files pattern the scan was created from (if any)
	Associated *config.AssociatedFiles
	// the session the scan belongs to (non-owning)
	Session *Session
}

// creates an empty scan with a sanitized type
func NewScan(id, scanType string) *Scan {
	return &Scan{
		ID:        id,
		Type:      SanitizeScanType(scanType),
		Resources: make(map[string]*Resource),
	}
}

// returns the name of the scan's directory, "{id}-{type}"
func (s *Scan) DirName() string {
	return s.ID + "-" + s.Type
}

// returns the fully qualified path of the scan, project:subject:visit:id-type
func (s *Scan) Path() string {
	if s.Session == nil {
		return s.DirName()
	}
	return s.Session.Path() + ":" + s.DirName()
}

// adds a resource to the scan, failing if one with the same name exists
func (s *Scan) AddResource(r *Resource) error {
	if _, found := s.Resources[r.Name]; found {
		return fmt.Errorf("Scan '%s' already has a resource named '%s'", s.Path(), r.Name)
	}
	r.Scan = s
	s.Resources[r.Name] = r
	return nil
}

// returns the scan's resources sorted by name
func (s *Scan) SortedResources() []*Resource {
	names := make([]string, 0, len(s.Resources))
	for name := range s.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	resources := make([]*Resource, len(names))
	for i, name := range names {
		resources[i] = s.Resources[name]
	}
	return resources
}

// saves the scan's resources into its directory beneath destDir, returning
// the saved scan
func (s *Scan) Save(destDir string, opts SaveOptions) (*Scan, error) {
	scanDir := filepath.Join(destDir, s.DirName())
	if err := os.MkdirAll(scanDir, 0755); err != nil {
		return nil, err
	}
	saved := &Scan{
		ID:         s.ID,
		Type:       s.Type,
		Resources:  make(map[string]*Resource, len(s.Resources)),
		Associated: s.Associated,
	}
	for _, resource := range s.SortedResources() {
		savedResource, err := resource.Save(scanDir, opts)
		if err != nil {
			return nil, fmt.Errorf("saving resource '%s': %w", resource.Path(), err)
		}
		savedResource.Scan = saved
		saved.Resources[savedResource.Name] = savedResource
	}
	return saved, nil
}

// loads a scan from a directory named "{id}-{type}"
func LoadScan(scanDir string, opts LoadOptions) (*Scan, error) {
	id, scanType, found := strings.Cut(filepath.Base(scanDir), "-")
	if !found {
		return nil, fmt.Errorf("Invalid scan directory name '%s' (expected <id>-<type>)",
			filepath.Base(scanDir))
	}
	scan := NewScan(id, scanType)
	entries, err := os.ReadDir(scanDir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		resource, err := LoadResource(filepath.Join(scanDir, entry.Name()), opts)
		if err != nil {
			return nil, err
		}
		resource.Scan = scan
		scan.Resources[resource.Name] = resource
	}
	return scan, nil
}
