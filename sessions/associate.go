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
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/xnat-ingest/ingest/config"
	"github.com/xnat-ingest/ingest/datatypes"
	"github.com/xnat-ingest/ingest/fields"
	"github.com/xnat-ingest/ingest/pathtemplate"
)

// options for attaching associated files to a session
type AssociateOptions struct {
	// replace spaces in the values substituted into templates with underscores
	SpacesToUnderscores bool
	// values substituted for template placeholders when relabelling associated
	// files (default: empty strings, which strips the identifying substrings)
	NewValues fields.Metadata
}

// Locates the files matching each of the given associated-file patterns next
// to the session's primary files and attaches them to the session as
// resources. Each pattern's glob is seeded with the session's metadata, and
// each match is relabelled with the new values. The scan ID and resource name
// of each match are extracted from the "id" and "resource" named groups of the
// pattern's identity expression, which is matched against the file's path.
func (s *Session) AssociateFiles(specs []config.AssociatedFiles, opts AssociateOptions) error {
	if len(specs) == 0 {
		return nil
	}
	root := s.primaryDir()
	old := s.PrimaryMetadata()
	for i := range specs {
		if err := s.associate(&specs[i], root, old, opts); err != nil {
			return err
		}
	}
	return nil
}

// a resource being assembled from associated files
type associatedResource struct {
	scanID string
	name   string
	files  []ResourceFile
}

func (s *Session) associate(spec *config.AssociatedFiles, root string, old fields.Metadata,
	opts AssociateOptions) error {
	tmpl, err := pathtemplate.Parse(spec.Glob)
	if err != nil {
		return err
	}
	matcher, err := tmpl.Compile(old, pathtemplate.Options{SpacesToUnderscores: opts.SpacesToUnderscores})
	if err != nil {
		return &PatternMatchError{Pattern: spec.Glob, Message: err.Error()}
	}
	identity, err := regexp.Compile("^(?:" + spec.IdentityPattern + ")")
	if err != nil {
		return &PatternMatchError{Pattern: spec.IdentityPattern, Message: err.Error()}
	}
	for _, group := range []string{"id", "resource"} {
		if identity.SubexpIndex(group) == -1 {
			return &PatternMatchError{
				Pattern: spec.IdentityPattern,
				Message: fmt.Sprintf("identity pattern has no named group '%s'", group),
			}
		}
	}

	newValues := make(fields.Metadata)
	for _, field := range tmpl.Fields() {
		newValues[field] = fields.String("")
	}
	for field, value := range opts.NewValues {
		newValues[field] = value
	}

	matches, err := matcher.Find(root)
	if err != nil {
		return err
	}
	slog.Debug(fmt.Sprintf("Found %d file(s) associated with session '%s' matching '%s'",
		len(matches), s.Path(), spec.Glob))

	var order []string
	grouped := make(map[string]*associatedResource)
	for _, match := range matches {
		source := matcher.Resolve(root, match)
		groups := identity.FindStringSubmatch(source)
		if groups == nil {
			return &PatternMatchError{
				Path:    source,
				Pattern: spec.IdentityPattern,
				Message: "identity pattern doesn't match",
			}
		}
		scanID := fields.Sanitize(groups[identity.SubexpIndex("id")])
		resourceName := fields.Sanitize(groups[identity.SubexpIndex("resource")])
		if scanID == "" || resourceName == "" {
			return &PatternMatchError{
				Path:    source,
				Pattern: spec.IdentityPattern,
				Message: "identity pattern matched an empty id or resource",
			}
		}
		renamed, err := matcher.Rename(match, newValues)
		if err != nil {
			return err
		}
		key := scanID + "/" + resourceName
		resource, found := grouped[key]
		if !found {
			resource = &associatedResource{scanID: scanID, name: resourceName}
			grouped[key] = resource
			order = append(order, key)
		}
		name := path.Base(renamed)
		for _, file := range resource.files {
			if file.Name == name {
				return &PatternMatchError{
					Path:    source,
					Pattern: spec.Glob,
					Message: fmt.Sprintf("relabelled to '%s', which clashes with '%s'", name, file.Path),
				}
			}
		}
		resource.files = append(resource.files, ResourceFile{Path: source, Name: name})
	}

	for _, key := range order {
		assoc := grouped[key]
		scan, created := s.ScanFor(assoc.scanID, "")
		if created {
			scan.Associated = spec
		}
		if existing, found := scan.Resources[assoc.name]; found {
			return &PatternMatchError{
				Path:    assoc.files[0].Path,
				Pattern: spec.IdentityPattern,
				Message: fmt.Sprintf("resource '%s' already exists in scan '%s' (%s)",
					assoc.name, scan.Path(), strings.Join(existing.Paths(), ", ")),
			}
		}
		resource := &Resource{
			Name:       assoc.name,
			Files:      assoc.files,
			Associated: true,
			datatype:   associatedDatatype(spec.Datatype, assoc.files[0].Path),
		}
		resource.sortFiles()
		if err := scan.AddResource(resource); err != nil {
			return err
		}
	}
	return nil
}

// returns the datatype of an associated file: the configured datatype if a
// single one is given, otherwise the detected one
func associatedDatatype(configured, p string) string {
	if configured != "" && !strings.Contains(configured, ",") {
		return configured
	}
	return datatypes.Detect(p)
}
