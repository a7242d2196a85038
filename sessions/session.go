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

// Package sessions assembles imaging files into sessions of scans and
// resources, and saves them to (and loads them from) directory trees in which
// every resource carries a checksum manifest.
package sessions

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xnat-ingest/ingest/endpoints"
	"github.com/xnat-ingest/ingest/fields"
)

// name of the file in a saved session directory holding its identifiers
const IDsFileName = "ids.yaml"

// An acquisition session: the scans sharing one project/subject/visit
// identity.
type Session struct {
	ProjectID string
	SubjectID string
	VisitID   string
	SessionID string
	// scans in the order they were found
	Scans []*Scan
	// placeholders synthesized for identity fields missing from the metadata
	MissingIDs *fields.MissingIDs
}

// creates an empty session with the given identity
func NewSession(projectID, subjectID, visitID, sessionID string) *Session {
	return &Session{
		ProjectID:  projectID,
		SubjectID:  subjectID,
		VisitID:    visitID,
		SessionID:  sessionID,
		MissingIDs: fields.NewMissingIDs(),
	}
}

// returns the name of the session, "project-subject-visit"
func (s *Session) Name() string {
	return s.ProjectID + "-" + s.SubjectID + "-" + s.VisitID
}

// returns the fully qualified path of the session, "project:subject:visit"
func (s *Session) Path() string {
	return s.ProjectID + ":" + s.SubjectID + ":" + s.VisitID
}

// returns the relative directory in which the session is saved
func (s *Session) RelDir() string {
	return filepath.Join(s.ProjectID, s.SubjectID, s.VisitID)
}

// returns true if any of the session's identifiers is a synthesized
// placeholder for a missing or inconsistent field; placeholders for scan types
// or resource names don't invalidate the session
func (s *Session) Invalid() bool {
	for _, id := range []string{s.ProjectID, s.SubjectID, s.VisitID, s.SessionID} {
		if fields.IsPlaceholder(id) {
			return true
		}
	}
	return false
}

// Returns the scan with the given ID and type, creating and appending it if
// it doesn't exist. An empty type matches a scan with any type; a scan created
// without a type takes its ID as its type. The second return value is true if
// the scan was created.
func (s *Session) ScanFor(id, scanType string) (*Scan, bool) {
	sanitized := SanitizeScanType(scanType)
	for _, scan := range s.Scans {
		if scan.ID == id && (scanType == "" || scan.Type == sanitized) {
			return scan, false
		}
	}
	if scanType == "" {
		scanType = id
	}
	scan := NewScan(id, scanType)
	scan.Session = s
	s.Scans = append(s.Scans, scan)
	return scan, true
}

// returns an iterator over the session's resources whose datatypes match any
// of the given datatype patterns (all resources if none are given)
func (s *Session) SelectResources(datatypes ...string) iter.Seq[*Resource] {
	return func(yield func(*Resource) bool) {
		for _, scan := range s.Scans {
			for _, resource := range scan.SortedResources() {
				if !matchesAny(datatypes, resource.Datatype()) {
					continue
				}
				if !yield(resource) {
					return
				}
			}
		}
	}
}

func matchesAny(patterns []string, datatype string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if fields.DatatypeMatches(pattern, datatype) {
			return true
		}
	}
	return false
}

// returns the resources attached from associated files, keyed by
// "<scan-id>/<resource>"
func (s *Session) AssociatedResources() map[string]*Resource {
	associated := make(map[string]*Resource)
	for resource := range s.SelectResources() {
		if resource.Associated {
			associated[resource.Scan.ID+"/"+resource.Name] = resource
		}
	}
	return associated
}

// returns the paths of the session's primary (non-associated) files
func (s *Session) PrimaryPaths() []string {
	var paths []string
	for resource := range s.SelectResources() {
		if !resource.Associated {
			paths = append(paths, resource.Paths()...)
		}
	}
	sort.Strings(paths)
	return paths
}

// returns the collated metadata of the session's primary resources
func (s *Session) PrimaryMetadata() fields.Metadata {
	var metadata []fields.Metadata
	for resource := range s.SelectResources() {
		if !resource.Associated {
			metadata = append(metadata, resource.Metadata())
		}
	}
	return fields.Collate(metadata)
}

// returns the latest modification time of any of the session's files
func (s *Session) LastModified() (time.Time, error) {
	var latest time.Time
	for resource := range s.SelectResources() {
		mtime, err := resource.LastModified()
		if err != nil {
			return latest, err
		}
		if mtime.After(latest) {
			latest = mtime
		}
	}
	return latest, nil
}

// removes the files of all of the session's resources
func (s *Session) Unlink() error {
	var errs []error
	for resource := range s.SelectResources() {
		if err := resource.Unlink(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Saves the session into <root>/<project>/<subject>/<visit>, returning the
// saved session and the directory it was saved in.
func (s *Session) Save(root string, opts SaveOptions) (*Session, string, error) {
	dir := filepath.Join(root, s.RelDir())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", err
	}
	saved := &Session{
		ProjectID:  s.ProjectID,
		SubjectID:  s.SubjectID,
		VisitID:    s.VisitID,
		SessionID:  s.SessionID,
		MissingIDs: s.MissingIDs,
	}
	for _, scan := range s.Scans {
		savedScan, err := scan.Save(dir, opts)
		if err != nil {
			return nil, "", err
		}
		savedScan.Session = saved
		saved.Scans = append(saved.Scans, savedScan)
	}
	if err := saved.SaveIDs(filepath.Join(dir, IDsFileName)); err != nil {
		return nil, "", err
	}
	return saved, dir, nil
}

// Loads a session saved in a <project>/<subject>/<visit> directory. The
// identifiers are taken from the directory names unless overridden by an
// ids.yaml file within it.
func LoadSession(dir string, opts LoadOptions) (*Session, error) {
	dir = filepath.Clean(dir)
	visit := filepath.Base(dir)
	subject := filepath.Base(filepath.Dir(dir))
	project := filepath.Base(filepath.Dir(filepath.Dir(dir)))
	session := &Session{ProjectID: project, SubjectID: subject, VisitID: visit}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.Contains(entry.Name(), "-") {
			continue
		}
		scan, err := LoadScan(filepath.Join(dir, entry.Name()), opts)
		if err != nil {
			return nil, fmt.Errorf("loading scan in '%s': %w", dir, err)
		}
		scan.Session = session
		session.Scans = append(session.Scans, scan)
	}
	sort.Slice(session.Scans, func(i, j int) bool {
		return session.Scans[i].DirName() < session.Scans[j].DirName()
	})

	idsFile := filepath.Join(dir, IDsFileName)
	if _, err := os.Stat(idsFile); err == nil {
		ids, err := readIDs(idsFile)
		if err != nil {
			return nil, err
		}
		session.overrideIDs(ids)
		for resource := range session.SelectResources() {
			resource.Associated = slices.Contains(ids.Associated, resource.Scan.ID+"/"+resource.Name)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return session, nil
}

// the identifiers of a session as written to an ids.yaml file
type sessionIDs struct {
	Project string `yaml:"project"`
	Subject string `yaml:"subject"`
	Visit   string `yaml:"visit"`
	Session string `yaml:"session,omitempty"`
	// resources attached from associated files, as "<scan-id>/<resource>"
	Associated []string `yaml:"associated,omitempty"`
}

// writes the session's identifiers to a YAML file so they can be manually
// overridden
func (s *Session) SaveIDs(path string) error {
	associated := slices.Sorted(maps.Keys(s.AssociatedResources()))
	data, err := yaml.Marshal(sessionIDs{
		Project:    s.ProjectID,
		Subject:    s.SubjectID,
		Visit:      s.VisitID,
		Session:    s.SessionID,
		Associated: associated,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// overrides the session's identifiers with those in a YAML file; identifiers
// absent from the file are left unchanged
func (s *Session) OverrideIDs(path string) error {
	ids, err := readIDs(path)
	if err != nil {
		return err
	}
	s.overrideIDs(ids)
	return nil
}

func readIDs(path string) (sessionIDs, error) {
	var ids sessionIDs
	data, err := os.ReadFile(path)
	if err != nil {
		return ids, err
	}
	if err := yaml.Unmarshal(data, &ids); err != nil {
		return ids, fmt.Errorf("Couldn't load IDs from '%s', please check that it is a valid YAML file: %w",
			path, err)
	}
	return ids, nil
}

func (s *Session) overrideIDs(ids sessionIDs) {
	for _, override := range []struct {
		value  string
		target *string
	}{
		{ids.Project, &s.ProjectID},
		{ids.Subject, &s.SubjectID},
		{ids.Visit, &s.VisitID},
		{ids.Session, &s.SessionID},
	} {
		if override.value != "" {
			*override.target = override.value
		}
	}
}

// returns the directory containing all of the session's primary files
func (s *Session) primaryDir() string {
	return endpoints.CommonDir(s.PrimaryPaths())
}
