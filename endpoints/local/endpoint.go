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

// Package local materializes files on a local filesystem.
package local

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/xnat-ingest/ingest/endpoints"
)

// the name under which the local materializer is registered
const ProviderName = "local"

func init() {
	endpoints.RegisterMaterializer(ProviderName, NewMaterializer)
}

// This type materializes files on the local filesystem by copying, linking,
// or moving them.
type Materializer struct {
	// permissions for created directories
	DirMode os.FileMode
}

// creates a new local materializer
func NewMaterializer() (endpoints.Materializer, error) {
	return &Materializer{DirMode: 0755}, nil
}

func (m *Materializer) Materialize(files []endpoints.FileTransfer, root string, mode endpoints.CopyMode) error {
	for _, file := range files {
		destPath := filepath.Join(root, file.DestinationPath)
		err := m.materialize(file.SourcePath, destPath, mode)
		if err != nil {
			return &endpoints.MaterializeError{
				Source:      file.SourcePath,
				Destination: destPath,
				Mode:        mode,
				Err:         err,
			}
		}
	}
	return nil
}

func (m *Materializer) materialize(sourcePath, destPath string, mode endpoints.CopyMode) error {
	// check for the source file
	sourceInfo, err := os.Stat(sourcePath)
	if err != nil {
		return err
	}

	// create the destination directory if needed
	dirMode := m.DirMode
	if dirMode == 0 {
		dirMode = 0755
	}
	err = os.MkdirAll(filepath.Dir(destPath), dirMode)
	if err != nil {
		return err
	}

	switch mode {
	case endpoints.Hardlink:
		return os.Link(sourcePath, destPath)
	case endpoints.HardlinkOrCopy:
		err = os.Link(sourcePath, destPath)
		if err == nil {
			return nil
		}
		slog.Debug("Couldn't hardlink " + sourcePath + ", copying instead: " + err.Error())
		return copyFile(sourcePath, destPath, sourceInfo)
	case endpoints.Symlink:
		absSource, err := filepath.Abs(sourcePath)
		if err != nil {
			return err
		}
		return os.Symlink(absSource, destPath)
	case endpoints.Move:
		err = os.Rename(sourcePath, destPath)
		if errors.Is(err, syscall.EXDEV) { // different filesystems
			err = copyFile(sourcePath, destPath, sourceInfo)
			if err == nil {
				err = os.Remove(sourcePath)
			}
		}
		return err
	}
	return copyFile(sourcePath, destPath, sourceInfo)
}

// copies a file, preserving its permissions and modification time
func copyFile(sourcePath, destPath string, sourceInfo os.FileInfo) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer source.Close()

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, sourceInfo.Mode().Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(dest, source)
	if err != nil {
		dest.Close()
		return err
	}
	err = dest.Close()
	if err != nil {
		return err
	}
	return os.Chtimes(destPath, sourceInfo.ModTime(), sourceInfo.ModTime())
}
