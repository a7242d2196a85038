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
	"strings"
)

// indicates that the files of a saved resource differ from its manifest
type ChecksumDifferingError struct {
	Resource  string
	Differing []string
}

func (e ChecksumDifferingError) Error() string {
	return fmt.Sprintf("Checksums of resource '%s' differ from its manifest for: %s",
		e.Resource, strings.Join(e.Differing, ", "))
}

// indicates that a saved resource is missing some of the files listed in its
// manifest, e.g. because a previous save was interrupted
type ChecksumIncompleteError struct {
	Resource string
	Missing  []string
}

func (e ChecksumIncompleteError) Error() string {
	return fmt.Sprintf("Resource '%s' is incomplete, missing: %s",
		e.Resource, strings.Join(e.Missing, ", "))
}

// indicates that a different resource already exists at a save destination
type ResourceExistsError struct {
	Name string
	Dir  string
	// true if some of the files being saved are older than the existing ones
	Older bool
}

func (e ResourceExistsError) Error() string {
	if e.Older {
		return fmt.Sprintf("A resource named '%s' already exists in '%s' and the files being "+
			"saved are older than it", e.Name, e.Dir)
	}
	return fmt.Sprintf("A different resource named '%s' already exists in '%s'", e.Name, e.Dir)
}

// indicates that a resource directory has no manifest
type ManifestNotFoundError struct {
	Dir string
}

func (e ManifestNotFoundError) Error() string {
	return fmt.Sprintf("No %s found in resource directory '%s'", ManifestName, e.Dir)
}

// indicates that a manifest couldn't be parsed
type InvalidManifestError struct {
	Dir     string
	Message string
}

func (e InvalidManifestError) Error() string {
	return fmt.Sprintf("Invalid manifest in '%s': %s", e.Dir, e.Message)
}

// indicates that the resources grouped into a session don't agree on its
// project/subject/visit, or that an identity field couldn't be resolved
type IdentityResolutionError struct {
	// the value of the key by which the resources were grouped
	Key string
	// the distinct identities the resources resolved to
	Identities []string
	Message    string
}

func (e IdentityResolutionError) Error() string {
	if len(e.Identities) > 1 {
		return fmt.Sprintf("Resources grouped by '%s' resolve to inconsistent identities: %s",
			e.Key, strings.Join(e.Identities, ", "))
	}
	return fmt.Sprintf("Couldn't resolve the identity of resources grouped by '%s': %s",
		e.Key, e.Message)
}

// collects the errors encountered while grouping files into sessions
type GroupingErrors struct {
	Errors []error
}

func (e GroupingErrors) Error() string {
	messages := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		messages[i] = err.Error()
	}
	return fmt.Sprintf("%d error(s) grouping sessions:\n  %s", len(e.Errors),
		strings.Join(messages, "\n  "))
}

func (e GroupingErrors) Unwrap() []error {
	return e.Errors
}

// indicates that an associated file didn't match the pattern used to identify
// it, or that it collides with an existing resource
type PatternMatchError struct {
	Path    string
	Pattern string
	Message string
}

func (e PatternMatchError) Error() string {
	return fmt.Sprintf("Associated file '%s' (pattern '%s'): %s", e.Path, e.Pattern, e.Message)
}
