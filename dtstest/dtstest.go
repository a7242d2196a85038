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

// This package contains testing utilities for the imaging stager.
package dtstest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xnat-ingest/ingest/endpoints"
	"github.com/xnat-ingest/ingest/endpoints/local"
)

// Enables DEBUG log messages for the stager's structured log (slog).
func EnableDebugLogging() {
	logLevel := new(slog.LevelVar)
	logLevel.Set(slog.LevelDebug)
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(h))
}

//-----------------------
// Dummy session fixtures
//-----------------------

// glob (relative to a dummy session's directory) matching the associated raw
// files written with the session
const DummyAssociatedGlob = "{PatientName.given_name}_{PatientName.family_name}*.ptd"

// identity pattern extracting the scan ID and resource name from the path of
// a dummy associated raw file
const DummyIdentityPattern = `.*/[^\.]+\.[^\.]+\.[^\.]+\.(?P<id>\d+)\.[A-Z]+_(?P<resource>[^\.]+).*`

// a primary image series of a dummy session
type DummyScan struct {
	Number      int
	Description string
	ImageType   []string
	NumFiles    int
}

// an associated raw file of a dummy session
type DummyAssociated struct {
	ScanID   string
	Resource string
	Contents string
}

// A dummy imaging session whose primary files are JSON headers carrying
// DICOM-like metadata. Empty identity fields are omitted from the headers.
type DummySession struct {
	Project    string
	Subject    string
	Visit      string
	StudyUID   string
	GivenName  string
	FamilyName string
	Scans      []DummyScan
	Associated []DummyAssociated
}

// returns the i-th of a family of distinct, valid dummy sessions, each with
// one primary scan and one associated raw file
func NewDummySession(i int) DummySession {
	return DummySession{
		Project:    "PROJECT",
		Subject:    fmt.Sprintf("SUBJECT%d", i),
		Visit:      fmt.Sprintf("VISIT%d", i),
		StudyUID:   fmt.Sprintf("1.2.3.%d", i),
		GivenName:  fmt.Sprintf("Given%d", i),
		FamilyName: fmt.Sprintf("Family%d", i),
		Scans: []DummyScan{
			{Number: 1, Description: "PET SWB 8MIN", ImageType: []string{"ORIGINAL", "PRIMARY", "DICOM"}, NumFiles: 3},
		},
		Associated: []DummyAssociated{
			{ScanID: "602", Resource: "LISTMODE", Contents: fmt.Sprintf("list mode data %d", i)},
		},
	}
}

// Writes the files of a dummy session into the given directory, returning
// their paths. Primary files are named "<series>_<n>.json" and associated
// files "<given>_<family>.PT.RAW.<scan>.PTD_<resource>.ptd".
func WriteDummySession(dir string, session DummySession) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	var paths []string
	for _, scan := range session.Scans {
		for n := range scan.NumFiles {
			header := map[string]any{
				"SeriesNumber":      scan.Number,
				"SeriesDescription": scan.Description,
				"ImageType":         scan.ImageType,
				"InstanceNumber":    n + 1,
				"PatientName":       session.FamilyName + "^" + session.GivenName,
			}
			for key, value := range map[string]string{
				"StudyID":          session.Project,
				"PatientID":        session.Subject,
				"AccessionNumber":  session.Visit,
				"StudyInstanceUID": session.StudyUID,
			} {
				if value != "" {
					header[key] = value
				}
			}
			data, err := json.Marshal(header)
			if err != nil {
				return nil, err
			}
			p := filepath.Join(dir, fmt.Sprintf("%d_%d.json", scan.Number, n+1))
			if err := os.WriteFile(p, data, 0644); err != nil {
				return nil, err
			}
			paths = append(paths, p)
		}
	}
	for _, assoc := range session.Associated {
		name := fmt.Sprintf("%s_%s.PT.RAW.%s.PTD_%s.ptd", session.GivenName, session.FamilyName,
			assoc.ScanID, assoc.Resource)
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(assoc.Contents), 0644); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// sets the modification times of the given files
func Touch(paths []string, mtime time.Time) error {
	for _, p := range paths {
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			return err
		}
	}
	return nil
}

//-----------------------------
// Materializer test fixtures
//-----------------------------

// indicates that an InterruptingMaterializer stopped materializing files
type InterruptedError struct {
	After int
}

func (e InterruptedError) Error() string {
	return fmt.Sprintf("Interrupted after materializing %d file(s)", e.After)
}

// This type implements a Materializer test fixture that materializes files
// on the local filesystem until a given number of files have been
// materialized, then fails.
type InterruptingMaterializer struct {
	// number of files materialized before failing
	After int

	mu    sync.Mutex
	count int
	local endpoints.Materializer
}

// creates a materializer that fails after the given number of files
func NewInterruptingMaterializer(after int) *InterruptingMaterializer {
	m, _ := local.NewMaterializer()
	return &InterruptingMaterializer{After: after, local: m}
}

func (m *InterruptingMaterializer) Materialize(files []endpoints.FileTransfer, root string, mode endpoints.CopyMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, file := range files {
		if m.count >= m.After {
			return &InterruptedError{After: m.After}
		}
		if err := m.local.Materialize([]endpoints.FileTransfer{file}, root, mode); err != nil {
			return err
		}
		m.count++
	}
	return nil
}

// returns the number of files materialized so far
func (m *InterruptingMaterializer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
