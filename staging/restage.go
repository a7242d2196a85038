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

package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"

	"github.com/xnat-ingest/ingest/endpoints"
	"github.com/xnat-ingest/ingest/endpoints/local"
	"github.com/xnat-ingest/ingest/frictionless"
	"github.com/xnat-ingest/ingest/journal"
	"github.com/xnat-ingest/ingest/sessions"
)

// returns the area (staged or invalid) and journal status for a session
func (s *Stager) areaFor(session *sessions.Session) (string, string) {
	if session.Invalid() {
		return s.InvalidDir(), journal.Invalid
	}
	return s.StagedDir(), journal.Staged
}

// returns the area and directory of an already promoted copy of the session
// with the given relative directory, or empty strings if there is none
func (s *Stager) findPromoted(relDir string) (string, string, error) {
	for _, area := range []string{s.StagedDir(), s.InvalidDir()} {
		dir := filepath.Join(area, relDir)
		if _, err := os.Stat(dir); err == nil {
			return area, dir, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", "", err
		}
	}
	return "", "", nil
}

// returns true if the promoted copy of a session in dir holds every resource
// of the session with identical checksums, so that staging it again would
// change nothing
func (s *Stager) isUnchanged(session *sessions.Session, dir string) bool {
	area, _ := s.areaFor(session)
	if dir != filepath.Join(area, session.RelDir()) {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, frictionless.DescriptorName)); err != nil {
		return false
	}
	existing, err := sessions.LoadSession(dir, sessions.LoadOptions{RequireManifest: true, CheckChecksums: true})
	if err != nil {
		slog.Debug(fmt.Sprintf("Promoted copy of session '%s' will be rebuilt: %s", session.Path(), err))
		return false
	}
	if existing.SessionID != session.SessionID {
		return false
	}
	for resource := range session.SelectResources() {
		if err := resource.Commit(); err != nil {
			return false
		}
		match := findResource(existing, resource.Scan.DirName(), resource.Name)
		if match == nil || match.Datatype() != resource.Datatype() ||
			match.Associated != resource.Associated || !maps.Equal(match.Checksums, resource.Checksums) {
			return false
		}
	}
	return true
}

func findResource(session *sessions.Session, scanDir, name string) *sessions.Resource {
	for _, scan := range session.Scans {
		if scan.DirName() == scanDir {
			return scan.Resources[name]
		}
	}
	return nil
}

// Populates dir with the resources of the promoted session directory so they
// can be compared and updated without touching the promoted copy. Resource
// files are hardlinked (or copied where linking isn't possible) and
// manifests are copied; session-level files are rewritten on save and are
// left out.
func seedFromPromoted(promoted, dir string) error {
	var linked, copied []endpoints.FileTransfer
	err := filepath.WalkDir(promoted, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(promoted, p)
		if err != nil {
			return err
		}
		dest := filepath.Join(dir, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(dest, 0755)
		case filepath.Dir(rel) == ".":
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(target, dest)
		case d.Name() == sessions.ManifestName:
			copied = append(copied, endpoints.FileTransfer{SourcePath: p, DestinationPath: rel})
		default:
			linked = append(linked, endpoints.FileTransfer{SourcePath: p, DestinationPath: rel})
		}
		return nil
	})
	if err != nil {
		return err
	}
	materializer, err := local.NewMaterializer()
	if err != nil {
		return err
	}
	if err := materializer.Materialize(linked, dir, endpoints.HardlinkOrCopy); err != nil {
		return err
	}
	return materializer.Materialize(copied, dir, endpoints.Copy)
}

// swaps the directories at a and b with two renames through a temporary
// name, for filesystems that can't exchange them atomically
func swapByRenaming(a, b string) error {
	tmp := a + ".swap"
	if err := os.Rename(b, tmp); err != nil {
		return err
	}
	if err := os.Rename(a, b); err != nil {
		if restoreErr := os.Rename(tmp, b); restoreErr != nil {
			slog.Error(fmt.Sprintf("Couldn't restore '%s' from '%s': %s", b, tmp, restoreErr))
		}
		return err
	}
	return os.Rename(tmp, a)
}
