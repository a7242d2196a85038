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

// Package endpoints materializes files in a staging area. Providers are
// registered by name and created on demand.
package endpoints

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// how a file is materialized at its destination
type CopyMode int

const (
	Copy CopyMode = iota
	Hardlink
	HardlinkOrCopy
	Symlink
	Move
)

var copyModeNames = map[CopyMode]string{
	Copy:           "copy",
	Hardlink:       "hardlink",
	HardlinkOrCopy: "hardlink_or_copy",
	Symlink:        "symlink",
	Move:           "move",
}

func (mode CopyMode) String() string {
	if name, found := copyModeNames[mode]; found {
		return name
	}
	return fmt.Sprintf("CopyMode(%d)", int(mode))
}

// parses a copy mode from its configuration name
func ParseCopyMode(s string) (CopyMode, error) {
	for mode, name := range copyModeNames {
		if name == s {
			return mode, nil
		}
	}
	return Copy, &InvalidCopyModeError{Mode: s}
}

// a file to be materialized
type FileTransfer struct {
	// absolute path of the source file
	SourcePath string
	// path of the destination file relative to the destination root
	DestinationPath string
}

// A Materializer places files beneath a destination root.
type Materializer interface {
	// materializes the given files beneath root using the given mode
	Materialize(files []FileTransfer, root string, mode CopyMode) error
}

// Builds file transfers for the given sources with destination paths relative
// to the longest directory common to all of them.
func TrimCommonPrefix(sources []string) []FileTransfer {
	files := make([]FileTransfer, len(sources))
	prefix := CommonDir(sources)
	for i, source := range sources {
		rel, err := filepath.Rel(prefix, source)
		if err != nil {
			rel = filepath.Base(source)
		}
		files[i] = FileTransfer{SourcePath: source, DestinationPath: rel}
	}
	return files
}

// returns the longest directory containing all of the given paths
func CommonDir(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	common := strings.Split(filepath.Dir(filepath.Clean(paths[0])), string(filepath.Separator))
	for _, p := range paths[1:] {
		parts := strings.Split(filepath.Dir(filepath.Clean(p)), string(filepath.Separator))
		n := 0
		for n < len(common) && n < len(parts) && common[n] == parts[n] {
			n++
		}
		common = common[:n]
	}
	dir := strings.Join(common, string(filepath.Separator))
	if dir == "" && filepath.IsAbs(paths[0]) {
		return string(filepath.Separator)
	}
	return dir
}

//-----------
// Providers
//-----------

// a function that creates a materializer
type MaterializerFactory func() (Materializer, error)

// registered providers, and materializers already created
var providers = make(map[string]MaterializerFactory)
var allMaterializers = make(map[string]Materializer)
var mu sync.Mutex

// registers a provider of materializers under the given name
func RegisterMaterializer(name string, create MaterializerFactory) error {
	mu.Lock()
	defer mu.Unlock()
	if _, found := providers[name]; found {
		return &AlreadyRegisteredError{Name: name}
	}
	providers[name] = create
	return nil
}

// returns the materializer for the provider with the given name, creating it
// if necessary
func NewMaterializer(name string) (Materializer, error) {
	mu.Lock()
	defer mu.Unlock()
	if m, found := allMaterializers[name]; found {
		return m, nil
	}
	create, found := providers[name]
	if !found {
		return nil, &NotRegisteredError{Name: name}
	}
	m, err := create()
	if err != nil {
		return nil, err
	}
	allMaterializers[name] = m
	return m, nil
}
