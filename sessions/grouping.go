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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/xnat-ingest/ingest/config"
	"github.com/xnat-ingest/ingest/datatypes"
	"github.com/xnat-ingest/ingest/fields"
)

// options controlling how files are grouped into sessions
type FromPathsOptions struct {
	// files, directories, or globs to search for files
	Inputs []string
	// descend into subdirectories of input directories
	Recursive bool
	// datatypes (or datatype patterns like "medimage/*") of the files to group
	Datatypes []string
	// fields identifying each level of the session hierarchy, tried in order
	Project  []fields.FieldSpec
	Subject  []fields.FieldSpec
	Visit    []fields.FieldSpec
	Session  []fields.FieldSpec
	ScanID   []fields.FieldSpec
	ScanDesc []fields.FieldSpec
	Resource []fields.FieldSpec
	// if non-empty, replaces the project ID resolved from metadata
	ProjectID string
	// append a numeric suffix to the visit IDs of sessions that would otherwise
	// resolve to the same project/subject/visit
	AvoidClashes bool
}

// converts field specifications from the configuration
func ParseConfigFieldSpecs(specs []config.FieldSpec) ([]fields.FieldSpec, error) {
	parsed := make([]fields.FieldSpec, len(specs))
	for i, spec := range specs {
		var err error
		parsed[i], err = fields.ParseFieldSpec(spec.Field, spec.Datatype)
		if err != nil {
			return nil, err
		}
	}
	return parsed, nil
}

// builds grouping options from the staging and fields configuration
func FromPathsOptionsFromConfig() (FromPathsOptions, error) {
	opts := FromPathsOptions{
		Inputs:       config.Staging.Inputs,
		Recursive:    config.Staging.Recursive,
		Datatypes:    config.Staging.Datatypes,
		ProjectID:    config.Fields.ProjectID,
		AvoidClashes: config.Staging.AvoidClashes,
	}
	for _, target := range []struct {
		specs []config.FieldSpec
		dest  *[]fields.FieldSpec
	}{
		{config.Fields.Project, &opts.Project},
		{config.Fields.Subject, &opts.Subject},
		{config.Fields.Visit, &opts.Visit},
		{config.Fields.Session, &opts.Session},
		{config.Fields.ScanID, &opts.ScanID},
		{config.Fields.ScanDesc, &opts.ScanDesc},
		{config.Fields.Resource, &opts.Resource},
	} {
		specs, err := ParseConfigFieldSpecs(target.specs)
		if err != nil {
			return opts, err
		}
		*target.dest = specs
	}
	return opts, nil
}

// a file found in the inputs, with its datatype and metadata
type inputFile struct {
	path     string
	datatype string
	metadata fields.Metadata
}

func (f *inputFile) Metadata() fields.Metadata { return f.metadata }
func (f *inputFile) Datatype() string          { return f.datatype }

// the identity resolved for an input file within its partition
type fileIdentity struct {
	project, subject, visit, session string
	scanID, scanType, resource       string
}

func (id fileIdentity) triple() string {
	return id.project + "/" + id.subject + "/" + id.visit
}

// Groups the files found in the inputs into sessions. Files are partitioned by
// the session field (or by subject and visit if no session field is given),
// and within each partition into scans and resources by the scan ID, scan
// description, and resource fields. A partition whose files resolve to
// inconsistent identities becomes an invalid session. Any errors encountered
// are returned as a GroupingErrors error along with the sessions.
func FromPaths(opts FromPathsOptions) ([]*Session, error) {
	var errs []error

	paths, err := enumerateInputs(opts.Inputs, opts.Recursive)
	if err != nil {
		return nil, err
	}

	var files []*inputFile
	for _, p := range paths {
		datatype := datatypes.Detect(p)
		if !matchesAny(opts.Datatypes, datatype) {
			continue
		}
		metadata, err := datatypes.ReadMetadata(datatype, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, &inputFile{path: p, datatype: datatype, metadata: metadata})
	}
	slog.Debug(fmt.Sprintf("Found %d file(s) of datatype(s) %s in %s", len(files),
		strings.Join(opts.Datatypes, ", "), strings.Join(opts.Inputs, ", ")))

	// partition files by session key, in the order the keys are first seen
	var keys []string
	partitions := make(map[string][]*inputFile)
	for _, file := range files {
		key, err := sessionKey(file, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", file.path, err))
			continue
		}
		if _, found := partitions[key]; !found {
			keys = append(keys, key)
		}
		partitions[key] = append(partitions[key], file)
	}

	var sessions []*Session
	clashes := make(map[string]int)
	for _, key := range keys {
		session, err := buildSession(key, partitions[key], opts)
		if err != nil {
			errs = append(errs, err)
		}
		if session == nil {
			continue
		}
		triple := session.Path()
		if n := clashes[triple]; n > 0 {
			if opts.AvoidClashes {
				session.VisitID = fmt.Sprintf("%s_%d", session.VisitID, n)
				slog.Info(fmt.Sprintf("Renamed clashing session '%s' to '%s'", triple, session.Path()))
			} else {
				slog.Warn(fmt.Sprintf("Multiple sessions resolve to '%s'", triple))
			}
		}
		clashes[triple]++
		sessions = append(sessions, session)
	}

	if len(errs) > 0 {
		return sessions, &GroupingErrors{Errors: errs}
	}
	return sessions, nil
}

// returns the key of the partition the file belongs to; files missing the key
// fields share the partition for that key
func sessionKey(file *inputFile, opts FromPathsOptions) (string, error) {
	keySpecs := [][]fields.FieldSpec{opts.Session}
	if len(opts.Session) == 0 {
		keySpecs = [][]fields.FieldSpec{opts.Subject, opts.Visit}
	}
	parts := make([]string, len(keySpecs))
	for i, specs := range keySpecs {
		value, err := fields.GetValueFromFields(file, specs, nil)
		var missingErr *fields.MissingFieldError
		if errors.As(err, &missingErr) {
			value = ""
		} else if err != nil {
			return "", err
		}
		parts[i] = value
	}
	return strings.Join(parts, "/"), nil
}

// resolves the identity of every file of a partition and assembles them into
// a session
func buildSession(key string, files []*inputFile, opts FromPathsOptions) (*Session, error) {
	missing := fields.NewMissingIDs()
	identities := make([]fileIdentity, len(files))
	var triples []string
	for i, file := range files {
		id, err := resolveIdentity(file, opts, missing)
		if err != nil {
			return nil, &IdentityResolutionError{Key: key, Message: fmt.Sprintf("%s: %s", file.path, err)}
		}
		identities[i] = id
		if !slices.Contains(triples, id.triple()) {
			triples = append(triples, id.triple())
		}
	}
	// inconsistent identity components are replaced by placeholders so the
	// session is staged as invalid
	var inconsistent error
	if len(triples) > 1 {
		inconsistent = &IdentityResolutionError{Key: key, Identities: triples}
		slog.Warn(inconsistent.Error())
		for _, component := range []struct {
			specs []fields.FieldSpec
			name  string
			get   func(*fileIdentity) *string
		}{
			{opts.Project, "project", func(id *fileIdentity) *string { return &id.project }},
			{opts.Subject, "subject", func(id *fileIdentity) *string { return &id.subject }},
			{opts.Visit, "visit", func(id *fileIdentity) *string { return &id.visit }},
		} {
			consistent := true
			for i := range identities {
				if *component.get(&identities[i]) != *component.get(&identities[0]) {
					consistent = false
					break
				}
			}
			if consistent {
				continue
			}
			name := component.name
			if len(component.specs) > 0 {
				name = component.specs[0].FieldName()
			}
			placeholder := missing.Get(name)
			for i := range identities {
				*component.get(&identities[i]) = placeholder
			}
		}
	}

	first := identities[0]
	session := NewSession(first.project, first.subject, first.visit, first.session)
	session.MissingIDs = missing

	// files sharing scan ID, scan type, and resource name form one resource
	type resourceKey struct{ scanID, scanType, resource string }
	var order []resourceKey
	grouped := make(map[resourceKey][]*inputFile)
	for i, file := range files {
		id := identities[i]
		rk := resourceKey{id.scanID, id.scanType, id.resource}
		if _, found := grouped[rk]; !found {
			order = append(order, rk)
		}
		grouped[rk] = append(grouped[rk], file)
	}
	for _, rk := range order {
		members := grouped[rk]
		paths := make([]string, len(members))
		metadata := make([]fields.Metadata, len(members))
		for i, member := range members {
			paths[i] = member.path
			metadata[i] = member.metadata
		}
		scan, _ := session.ScanFor(rk.scanID, rk.scanType)
		resource := NewResource(rk.resource, members[0].datatype, paths, fields.Collate(metadata))
		if err := scan.AddResource(resource); err != nil {
			return nil, &IdentityResolutionError{Key: key, Message: err.Error()}
		}
	}
	if missing.Synthesized() {
		slog.Warn(fmt.Sprintf("Session '%s' is missing field(s) %s", session.Path(),
			strings.Join(missing.Fields(), ", ")))
	}
	return session, inconsistent
}

func resolveIdentity(file *inputFile, opts FromPathsOptions, missing *fields.MissingIDs) (fileIdentity, error) {
	var id fileIdentity
	for _, target := range []struct {
		specs []fields.FieldSpec
		dest  *string
	}{
		{opts.Project, &id.project},
		{opts.Subject, &id.subject},
		{opts.Visit, &id.visit},
		{opts.ScanID, &id.scanID},
		{opts.ScanDesc, &id.scanType},
		{opts.Resource, &id.resource},
	} {
		if target.dest == &id.project && opts.ProjectID != "" {
			continue
		}
		value, err := fields.GetValueFromFields(file, target.specs, missing)
		if err != nil {
			return id, err
		}
		*target.dest = value
	}
	if opts.ProjectID != "" {
		id.project = fields.Sanitize(opts.ProjectID)
	}
	if len(opts.Session) > 0 {
		value, err := fields.GetValueFromFields(file, opts.Session, missing)
		if err != nil {
			return id, err
		}
		id.session = value
	} else {
		id.session = id.subject + "_" + id.visit
	}
	return id, nil
}

// returns the sorted paths of the files found in the given inputs, each of
// which is a file, a directory, or a glob
func enumerateInputs(inputs []string, recursive bool) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, input := range inputs {
		matches := []string{input}
		if strings.ContainsAny(input, "*?[") {
			var err error
			matches, err = filepath.Glob(input)
			if err != nil {
				return nil, fmt.Errorf("invalid input glob '%s': %w", input, err)
			}
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				return nil, fmt.Errorf("input path '%s': %w", match, err)
			}
			if !info.IsDir() {
				add(match)
				continue
			}
			err = filepath.WalkDir(match, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					if p != match && (!recursive || strings.HasPrefix(d.Name(), ".")) {
						return filepath.SkipDir
					}
					return nil
				}
				if !strings.HasPrefix(d.Name(), ".") {
					add(p)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}
