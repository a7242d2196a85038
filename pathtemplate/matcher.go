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

package pathtemplate

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/xnat-ingest/ingest/fields"
)

// options that control how templates are compiled
type Options struct {
	// replace spaces in old values with underscores before matching
	SpacesToUnderscores bool
}

// A template compiled against the old values of its placeholders.
type Matcher struct {
	Template *Template
	re       *regexp.Regexp
	groups   []group
}

// a named capture group for one placeholder occurrence
type group struct {
	name        string
	field, attr string
}

// Compiles the template, seeding each placeholder with the quoted old value of
// its field so that the same substring is recognized in existing paths.
func (tmpl *Template) Compile(old fields.Metadata, opts Options) (*Matcher, error) {
	m := &Matcher{Template: tmpl}
	counts := make(map[string]int)
	var expr strings.Builder
	expr.WriteString("^(?:")
	for _, tok := range tmpl.tokens {
		if tok.kind != placeholderToken {
			expr.WriteString(tok.expr)
			continue
		}
		value, err := placeholderValue(old, tok.field, tok.attr)
		if err != nil {
			return nil, &InvalidTemplateError{Glob: tmpl.Glob, Message: err.Error()}
		}
		if opts.SpacesToUnderscores {
			value = strings.ReplaceAll(value, " ", "_")
		}
		name := tok.field
		if tok.attr != "" {
			name += "__" + tok.attr
		}
		name += fmt.Sprintf("__%d", counts[tok.field])
		counts[tok.field]++
		m.groups = append(m.groups, group{name: name, field: tok.field, attr: tok.attr})
		fmt.Fprintf(&expr, "(?P<%s>%s)", name, regexp.QuoteMeta(value))
	}
	expr.WriteString(")$")
	re, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, &InvalidTemplateError{Glob: tmpl.Glob, Message: err.Error()}
	}
	m.re = re
	return m, nil
}

// returns the value of the given field (and attribute, if given) as a string
func placeholderValue(values fields.Metadata, field, attr string) (string, error) {
	value, found := values[field]
	if !found {
		return "", fmt.Errorf("no value for placeholder field '%s'", field)
	}
	if attr != "" {
		var ok bool
		value, ok = value.Attr(attr)
		if !ok {
			return "", fmt.Errorf("'%s' has no attribute '%s'", field, attr)
		}
	}
	return value.String(), nil
}

// returns the anchored regular expression used for matching
func (m *Matcher) Regexp() *regexp.Regexp {
	return m.re
}

// returns true if the given slash-separated path matches the template
func (m *Matcher) Match(p string) bool {
	return m.re.MatchString(p)
}

// Walks the given root directory and returns the paths of all regular files
// matching the template, sorted. Relative templates are matched against paths
// relative to root, absolute templates against absolute paths. Returned paths
// have the form against which they were matched.
func (m *Matcher) Find(root string) ([]string, error) {
	walkRoot := root
	if m.Template.IsAbs() {
		walkRoot = absPrefix(m.Template.Glob)
	}
	var matches []string
	err := filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		candidate := filepath.ToSlash(p)
		if !m.Template.IsAbs() {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			candidate = filepath.ToSlash(rel)
		}
		if m.Match(candidate) {
			matches = append(matches, candidate)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// returns the filesystem path of a path returned by Find
func (m *Matcher) Resolve(root, p string) string {
	if m.Template.IsAbs() {
		return filepath.FromSlash(p)
	}
	return filepath.Join(root, filepath.FromSlash(p))
}

// returns the longest leading directory of an absolute glob that contains no
// glob tokens or placeholders
func absPrefix(glob string) string {
	end := strings.IndexAny(glob, "*?[{")
	if end == -1 {
		return path.Dir(glob)
	}
	dir := glob[:end]
	if i := strings.LastIndexByte(dir, '/'); i > 0 {
		return dir[:i]
	}
	return "/"
}

// Relabels a matched path, replacing each span recognized as an old value
// with the corresponding new value (left to right), then stripping leading
// and trailing '.', '_' and '-' characters from each path segment. A path that
// doesn't match the template produces a PatternMismatchError.
func (m *Matcher) Rename(p string, newValues fields.Metadata) (string, error) {
	loc := m.re.FindStringSubmatchIndex(p)
	if loc == nil {
		return "", &PatternMismatchError{Path: p, Glob: m.Template.Glob, Expr: m.re.String()}
	}
	var renamed strings.Builder
	prev := 0
	for _, g := range m.groups {
		i := m.re.SubexpIndex(g.name)
		start, end := loc[2*i], loc[2*i+1]
		if start < 0 {
			continue
		}
		value, err := placeholderValue(newValues, g.field, g.attr)
		if err != nil {
			return "", &InvalidTemplateError{Glob: m.Template.Glob, Message: err.Error()}
		}
		renamed.WriteString(p[prev:start])
		renamed.WriteString(value)
		prev = end
	}
	renamed.WriteString(p[prev:])
	return stripSegments(renamed.String()), nil
}

// strips separator-like characters from the ends of each path segment,
// dropping segments that become empty
func stripSegments(p string) string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		part = strings.Trim(part, "._-")
		if part != "" {
			parts = append(parts, part)
		}
	}
	stripped := strings.Join(parts, "/")
	if strings.HasPrefix(p, "/") {
		stripped = "/" + stripped
	}
	return stripped
}

// Relabels all of the given paths, which must match the glob compiled with
// the old values.
func TransformPaths(paths []string, glob string, old, newValues fields.Metadata, spacesToUnderscores bool) ([]string, error) {
	tmpl, err := Parse(glob)
	if err != nil {
		return nil, err
	}
	m, err := tmpl.Compile(old, Options{SpacesToUnderscores: spacesToUnderscores})
	if err != nil {
		return nil, err
	}
	transformed := make([]string, len(paths))
	for i, p := range paths {
		transformed[i], err = m.Rename(p, newValues)
		if err != nil {
			return nil, err
		}
	}
	return transformed, nil
}
