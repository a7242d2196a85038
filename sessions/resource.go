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
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xnat-ingest/ingest/endpoints"
	"github.com/xnat-ingest/ingest/endpoints/local"
	"github.com/xnat-ingest/ingest/fields"
)

// name of the manifest file written into every resource directory
const ManifestName = "MANIFEST.json"

// the on-disk record of a resource's datatype and checksums
type Manifest struct {
	Datatype  string            `json:"datatype"`
	Checksums map[string]string `json:"checksums"`
}

// a file belonging to a resource
type ResourceFile struct {
	// path of the file on disk
	Path string
	// slash-separated path of the file relative to the resource root
	Name string
}

// A named, checksummed bundle of one or more files within a scan.
type Resource struct {
	Name  string
	Files []ResourceFile
	// MD5 checksums keyed by relative file name (nil: uncommitted)
	Checksums map[string]string
	// true if the resource was attached from an associated (non-primary) file
	Associated bool
	// true if the resource was loaded from a directory with a manifest
	HasManifest bool
	// the scan the resource belongs to (non-owning)
	Scan *Scan

	datatype string
	metadata fields.Metadata
}

// creates an uncommitted resource from the given source files, named
// relative to the directory they share
func NewResource(name, datatype string, sources []string, metadata fields.Metadata) *Resource {
	r := &Resource{Name: name, datatype: datatype, metadata: metadata}
	for _, transfer := range endpoints.TrimCommonPrefix(sources) {
		r.Files = append(r.Files, ResourceFile{
			Path: transfer.SourcePath,
			Name: filepath.ToSlash(transfer.DestinationPath),
		})
	}
	r.sortFiles()
	return r
}

func (r *Resource) sortFiles() {
	sort.Slice(r.Files, func(i, j int) bool { return r.Files[i].Name < r.Files[j].Name })
}

func (r *Resource) Datatype() string {
	if r.datatype == "" {
		return fields.GenericDatatype
	}
	return r.datatype
}

func (r *Resource) Metadata() fields.Metadata {
	if r.metadata == nil {
		return fields.Metadata{}
	}
	return r.metadata
}

// returns the fully qualified path of the resource,
// project:subject:visit:scan:resource
func (r *Resource) Path() string {
	if r.Scan == nil {
		return r.Name
	}
	return r.Scan.Path() + ":" + r.Name
}

// returns the paths of the resource's files on disk
func (r *Resource) Paths() []string {
	paths := make([]string, len(r.Files))
	for i, file := range r.Files {
		paths[i] = file.Path
	}
	return paths
}

// computes the MD5 checksums of the resource's files
func (r *Resource) ComputeChecksums() (map[string]string, error) {
	checksums := make(map[string]string, len(r.Files))
	for _, file := range r.Files {
		digest, err := md5File(file.Path)
		if err != nil {
			return nil, err
		}
		checksums[file.Name] = digest
	}
	return checksums, nil
}

// computes the checksums of the resource if they haven't been computed
func (r *Resource) Commit() error {
	if r.Checksums != nil {
		return nil
	}
	checksums, err := r.ComputeChecksums()
	if err != nil {
		return err
	}
	r.Checksums = checksums
	return nil
}

// streams a file through an MD5 hash
func md5File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// returns the modification times of the resource's files keyed by relative
// file name
func (r *Resource) mtimes() (map[string]time.Time, error) {
	mtimes := make(map[string]time.Time, len(r.Files))
	for _, file := range r.Files {
		info, err := os.Stat(file.Path)
		if err != nil {
			return nil, err
		}
		mtimes[file.Name] = info.ModTime()
	}
	return mtimes, nil
}

// returns the latest modification time of the resource's files
func (r *Resource) LastModified() (time.Time, error) {
	var latest time.Time
	mtimes, err := r.mtimes()
	if err != nil {
		return latest, err
	}
	for _, mtime := range mtimes {
		if mtime.After(latest) {
			latest = mtime
		}
	}
	return latest, nil
}

// returns true if none of the resource's files is older than the file with the
// same name in the other resource; files present in only one of them are
// ignored
func (r *Resource) NewerThanOrEqual(other *Resource) (bool, error) {
	mine, err := r.mtimes()
	if err != nil {
		return false, err
	}
	theirs, err := other.mtimes()
	if err != nil {
		return false, err
	}
	for name, mtime := range mine {
		if otherMtime, found := theirs[name]; found && mtime.Before(otherMtime) {
			return false, nil
		}
	}
	return true, nil
}

// what to do when saving over an existing, different resource
type OverwritePolicy int

const (
	// overwrite only if the new files are not older than the existing ones
	OverwriteIfNewer OverwritePolicy = iota
	// never overwrite
	OverwriteNever
	// always overwrite
	OverwriteAlways
)

// parses an overwrite policy from its configuration name
func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	switch s {
	case "", "if_newer":
		return OverwriteIfNewer, nil
	case "never":
		return OverwriteNever, nil
	case "always":
		return OverwriteAlways, nil
	}
	return OverwriteIfNewer, fmt.Errorf("Invalid overwrite policy: %s", s)
}

// options for saving resources
type SaveOptions struct {
	CopyMode  endpoints.CopyMode
	Overwrite OverwritePolicy
	// materializes files (default: local filesystem)
	Materializer endpoints.Materializer
}

// options for loading resources
type LoadOptions struct {
	// fail if the resource directory has no manifest
	RequireManifest bool
	// recompute checksums and compare them with the manifest
	CheckChecksums bool
}

// Saves the resource into a directory named for it beneath destDir, returning
// the saved resource. Saving over an identical resource does nothing.
func (r *Resource) Save(destDir string, opts SaveOptions) (*Resource, error) {
	resourceDir := filepath.Join(destDir, r.Name)
	if err := r.Commit(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(resourceDir); err == nil {
		existing, err := LoadResource(resourceDir, LoadOptions{CheckChecksums: true})
		var incompleteErr *ChecksumIncompleteError
		switch {
		case errors.As(err, &incompleteErr):
			slog.Warn(fmt.Sprintf("Resource '%s' in '%s' is incomplete (interrupted save?), overwriting: %s",
				r.Name, destDir, err))
		case err != nil:
			return nil, err
		case maps.Equal(existing.Checksums, r.Checksums):
			if !existing.HasManifest {
				if err := writeManifest(resourceDir, r.Datatype(), r.Checksums); err != nil {
					return nil, err
				}
			}
			slog.Debug(fmt.Sprintf("Resource '%s' already saved in '%s'", r.Name, destDir))
			return r.saved(existing), nil
		case isSubset(existing.Checksums, r.Checksums):
			slog.Warn(fmt.Sprintf("Resource '%s' in '%s' is a subset of the files to be saved, "+
				"overwriting", r.Name, destDir))
		default:
			if err := r.checkOverwrite(existing, destDir, opts.Overwrite); err != nil {
				return nil, err
			}
		}
		if err := os.RemoveAll(resourceDir); err != nil {
			return nil, err
		}
	}

	materializer := opts.Materializer
	if materializer == nil {
		var err error
		materializer, err = local.NewMaterializer()
		if err != nil {
			return nil, err
		}
	}
	transfers := make([]endpoints.FileTransfer, len(r.Files))
	for i, file := range r.Files {
		transfers[i] = endpoints.FileTransfer{
			SourcePath:      file.Path,
			DestinationPath: filepath.FromSlash(file.Name),
		}
	}
	if err := materializer.Materialize(transfers, resourceDir, opts.CopyMode); err != nil {
		return nil, err
	}
	if err := writeManifest(resourceDir, r.Datatype(), r.Checksums); err != nil {
		return nil, err
	}

	saved := &Resource{
		Name:        r.Name,
		Checksums:   maps.Clone(r.Checksums),
		Associated:  r.Associated,
		HasManifest: true,
		Scan:        r.Scan,
		datatype:    r.datatype,
		metadata:    r.metadata,
	}
	for _, file := range r.Files {
		saved.Files = append(saved.Files, ResourceFile{
			Path: filepath.Join(resourceDir, filepath.FromSlash(file.Name)),
			Name: file.Name,
		})
	}
	return saved, nil
}

// decides whether an existing, different resource may be overwritten
func (r *Resource) checkOverwrite(existing *Resource, destDir string, policy OverwritePolicy) error {
	switch policy {
	case OverwriteAlways:
		slog.Warn(fmt.Sprintf("Overwriting existing resource '%s' in '%s'", r.Name, destDir))
		return nil
	case OverwriteIfNewer:
		newer, err := r.NewerThanOrEqual(existing)
		if err != nil {
			return err
		}
		if newer {
			slog.Warn(fmt.Sprintf("Overwriting existing resource '%s' in '%s' with newer files",
				r.Name, destDir))
			return nil
		}
		slog.Warn(fmt.Sprintf("Resource '%s' already exists in '%s' and the files to be saved "+
			"are older than it", r.Name, destDir))
		return &ResourceExistsError{Name: r.Name, Dir: destDir, Older: true}
	}
	return &ResourceExistsError{Name: r.Name, Dir: destDir}
}

// returns an on-disk resource carrying the in-memory attributes of r
func (r *Resource) saved(existing *Resource) *Resource {
	existing.Associated = r.Associated
	existing.Scan = r.Scan
	if existing.datatype == "" || existing.datatype == fields.GenericDatatype {
		existing.datatype = r.datatype
	}
	existing.metadata = r.metadata
	existing.HasManifest = true
	return existing
}

// returns true if every entry of a is present in b with the same value
func isSubset(a, b map[string]string) bool {
	for key, value := range a {
		if b[key] != value {
			return false
		}
	}
	return true
}

func writeManifest(resourceDir, datatype string, checksums map[string]string) error {
	data, err := json.MarshalIndent(Manifest{Datatype: datatype, Checksums: checksums}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(resourceDir, ManifestName), data, 0644)
}

// Loads a resource from the given directory. If the directory has no manifest
// and one isn't required, its contents are loaded as a generic file set with
// checksums computed from disk.
func LoadResource(resourceDir string, opts LoadOptions) (*Resource, error) {
	r := &Resource{Name: filepath.Base(resourceDir)}
	err := filepath.WalkDir(resourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(resourceDir, p)
		if err != nil {
			return err
		}
		if rel == ManifestName {
			return nil
		}
		r.Files = append(r.Files, ResourceFile{Path: p, Name: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.sortFiles()

	data, err := os.ReadFile(filepath.Join(resourceDir, ManifestName))
	if errors.Is(err, fs.ErrNotExist) {
		if opts.RequireManifest {
			return nil, &ManifestNotFoundError{Dir: resourceDir}
		}
		r.datatype = fields.GenericDatatype
		r.Checksums, err = r.ComputeChecksums()
		return r, err
	} else if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, &InvalidManifestError{Dir: resourceDir, Message: err.Error()}
	}
	r.datatype = manifest.Datatype
	r.Checksums = manifest.Checksums
	if r.Checksums == nil {
		r.Checksums = make(map[string]string)
	}
	r.HasManifest = true
	if opts.CheckChecksums {
		computed, err := r.ComputeChecksums()
		if err != nil {
			return nil, err
		}
		if err := compareChecksums(r.Name, manifest.Checksums, computed); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// compares checksums from a manifest with those computed from disk,
// distinguishing incomplete resources (a strict subset of the manifest's files
// with matching digests) from differing ones
func compareChecksums(name string, saved, computed map[string]string) error {
	if maps.Equal(saved, computed) {
		return nil
	}
	var differing, missing, unexpected []string
	for file, digest := range saved {
		onDisk, found := computed[file]
		if !found {
			missing = append(missing, file)
		} else if onDisk != digest {
			differing = append(differing, file)
		}
	}
	for file := range computed {
		if _, found := saved[file]; !found {
			unexpected = append(unexpected, file)
		}
	}
	sort.Strings(differing)
	sort.Strings(missing)
	sort.Strings(unexpected)
	if len(differing) == 0 && len(unexpected) == 0 {
		return &ChecksumIncompleteError{Resource: name, Missing: missing}
	}
	return &ChecksumDifferingError{Resource: name, Differing: append(differing, unexpected...)}
}

// removes the resource's files from disk
func (r *Resource) Unlink() error {
	var errs []string
	for _, file := range r.Files {
		err := os.Remove(file.Path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("Couldn't unlink resource '%s': %s", r.Path(), strings.Join(errs, "; "))
	}
	return nil
}
