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
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xnat-ingest/ingest/config"
	"github.com/xnat-ingest/ingest/dtstest"
	"github.com/xnat-ingest/ingest/fields"
)

func mustSpecs(t *testing.T, names ...string) []fields.FieldSpec {
	specs := make([]fields.FieldSpec, len(names))
	for i, name := range names {
		var err error
		specs[i], err = fields.ParseFieldSpec(name, "")
		assert.Nil(t, err)
	}
	return specs
}

// grouping options matching the fields of dummy sessions
func dummyOptions(t *testing.T, inputs ...string) FromPathsOptions {
	return FromPathsOptions{
		Inputs:    inputs,
		Recursive: true,
		Datatypes: []string{"application/json"},
		Project:   mustSpecs(t, "StudyID"),
		Subject:   mustSpecs(t, "PatientID"),
		Visit:     mustSpecs(t, "AccessionNumber"),
		Session:   mustSpecs(t, "StudyInstanceUID"),
		ScanID:    mustSpecs(t, "SeriesNumber"),
		ScanDesc:  mustSpecs(t, "SeriesDescription"),
		Resource:  mustSpecs(t, "ImageType[-1]"),
	}
}

var dummyAssociated = []config.AssociatedFiles{
	{
		Datatype:        "medimage/vnd.siemens.pet-list-mode",
		Glob:            dtstest.DummyAssociatedGlob,
		IdentityPattern: dtstest.DummyIdentityPattern,
	},
}

// writes n dummy sessions into subdirectories of a fresh input directory
func writeDummySessions(t *testing.T, name string, sessions ...dtstest.DummySession) string {
	input := testDir(t, name)
	for i, session := range sessions {
		_, err := dtstest.WriteDummySession(filepath.Join(input, fmt.Sprintf("session%d", i)), session)
		assert.Nil(t, err)
	}
	return input
}

func TestFromPathsGroupsSessions(t *testing.T) {
	assert := assert.New(t)

	input := writeDummySessions(t, "group-input",
		dtstest.NewDummySession(0), dtstest.NewDummySession(1), dtstest.NewDummySession(2))
	sessions, err := FromPaths(dummyOptions(t, input))
	assert.Nil(err)
	assert.Equal(3, len(sessions))

	for i, session := range sessions {
		assert.Equal("PROJECT", session.ProjectID)
		assert.Equal(fmt.Sprintf("SUBJECT%d", i), session.SubjectID)
		assert.Equal(fmt.Sprintf("VISIT%d", i), session.VisitID)
		assert.Equal(fmt.Sprintf("1.2.3.%d", i), session.SessionID)
		assert.False(session.Invalid())
		assert.Equal(1, len(session.Scans))

		scan := session.Scans[0]
		assert.Equal("1", scan.ID)
		assert.Equal("PET SWB 8MIN", scan.Type)
		assert.Equal("1-PET SWB 8MIN", scan.DirName())
		resource, found := scan.Resources["DICOM"]
		assert.True(found)
		assert.Equal(3, len(resource.Files))
		assert.Equal("application/json", resource.Datatype())
		assert.Equal(fmt.Sprintf("PROJECT:SUBJECT%d:VISIT%d:1-PET SWB 8MIN:DICOM", i, i), resource.Path())
	}
}

func TestFromPathsMissingScanTypeKeepsSessionValid(t *testing.T) {
	assert := assert.New(t)

	dummy := dtstest.NewDummySession(0)
	dummy.Scans[0].Description = ""
	input := writeDummySessions(t, "missing-scan-type-input", dummy)
	sessions, err := FromPaths(dummyOptions(t, input))
	assert.Nil(err)
	assert.Equal(1, len(sessions))

	session := sessions[0]
	assert.Equal("PROJECT:SUBJECT0:VISIT0", session.Path())
	assert.Equal([]string{"SeriesDescription"}, session.MissingIDs.Fields())
	assert.Equal(1, len(session.Scans))
	assert.True(strings.HasPrefix(session.Scans[0].Type, "INVALID_MISSING_SERIESDESCRIPTION_"))
	assert.False(session.Invalid())
}

func TestFromPathsDotOnlyResourceNameStaysInScan(t *testing.T) {
	assert := assert.New(t)

	dummy := dtstest.NewDummySession(0)
	dummy.Scans[0].ImageType = []string{"ORIGINAL", "PRIMARY", ".."}
	input := writeDummySessions(t, "dot-resource-input", dummy)
	sessions, err := FromPaths(dummyOptions(t, input))
	assert.Nil(err)
	assert.Equal(1, len(sessions))

	scan := sessions[0].Scans[0]
	_, found := scan.Resources["__"]
	assert.True(found)

	dest := testDir(t, "dot-resource-dest")
	_, dir, err := sessions[0].Save(dest, copyOpts)
	assert.Nil(err)
	assert.DirExists(filepath.Join(dir, scan.DirName(), "__"))
}

func TestFromPathsMissingFieldsShareSessionPlaceholders(t *testing.T) {
	assert := assert.New(t)

	first, second := dtstest.NewDummySession(0), dtstest.NewDummySession(1)
	first.Subject, second.Subject = "", ""
	input := writeDummySessions(t, "missing-input", first, second)
	sessions, err := FromPaths(dummyOptions(t, input))
	assert.Nil(err)
	assert.Equal(2, len(sessions))

	for _, session := range sessions {
		assert.True(session.Invalid())
		assert.True(strings.HasPrefix(session.SubjectID, "INVALID_MISSING_PATIENTID_"))
		assert.Equal([]string{"PatientID"}, session.MissingIDs.Fields())
		// every file of the session got the same placeholder
		assert.Equal(1, len(session.Scans))
		assert.Equal(3, len(session.Scans[0].Resources["DICOM"].Files))
	}
	assert.NotEqual(sessions[0].SubjectID, sessions[1].SubjectID)
}

func TestFromPathsInconsistentIdentity(t *testing.T) {
	assert := assert.New(t)

	good := dtstest.NewDummySession(0)
	bad1, bad2 := dtstest.NewDummySession(1), dtstest.NewDummySession(2)
	bad2.StudyUID = bad1.StudyUID // same session, different subject
	input := writeDummySessions(t, "inconsistent-input", good, bad1, bad2)

	sessions, err := FromPaths(dummyOptions(t, input))
	assert.Equal(2, len(sessions))
	assert.Equal("SUBJECT0", sessions[0].SubjectID)
	assert.False(sessions[0].Invalid())

	// the inconsistent session is kept, but marked invalid
	invalid := sessions[1]
	assert.True(invalid.Invalid())
	assert.Equal("PROJECT", invalid.ProjectID)
	assert.True(strings.HasPrefix(invalid.SubjectID, "INVALID_MISSING_PATIENTID_"))
	assert.True(strings.HasPrefix(invalid.VisitID, "INVALID_MISSING_ACCESSIONNUMBER_"))
	assert.Equal(bad1.StudyUID, invalid.SessionID)
	assert.Equal(6, len(invalid.Scans[0].Resources["DICOM"].Files))

	var groupingErrs *GroupingErrors
	assert.True(errors.As(err, &groupingErrs))
	assert.Equal(1, len(groupingErrs.Errors))
	var identityErr *IdentityResolutionError
	assert.True(errors.As(err, &identityErr))
	assert.Equal(2, len(identityErr.Identities))
}

func TestFromPathsProjectOverrideAndClashes(t *testing.T) {
	assert := assert.New(t)

	first, second := dtstest.NewDummySession(0), dtstest.NewDummySession(0)
	second.StudyUID = "9.9.9"
	input := writeDummySessions(t, "clash-input", first, second)

	opts := dummyOptions(t, input)
	opts.ProjectID = "OVERRIDE"
	opts.AvoidClashes = true
	sessions, err := FromPaths(opts)
	assert.Nil(err)
	assert.Equal(2, len(sessions))
	assert.Equal("OVERRIDE", sessions[0].ProjectID)
	assert.Equal("VISIT0", sessions[0].VisitID)
	assert.Equal("VISIT0_1", sessions[1].VisitID)
}

func TestFromPathsWithoutSessionField(t *testing.T) {
	assert := assert.New(t)

	input := writeDummySessions(t, "nosession-input", dtstest.NewDummySession(0))
	opts := dummyOptions(t, filepath.Join(input, "*", "*.json"))
	opts.Session = nil
	sessions, err := FromPaths(opts)
	assert.Nil(err)
	assert.Equal(1, len(sessions))
	assert.Equal("SUBJECT0_VISIT0", sessions[0].SessionID)
}

func TestAssociateFiles(t *testing.T) {
	assert := assert.New(t)

	input := writeDummySessions(t, "associate-input", dtstest.NewDummySession(0))
	sessions, err := FromPaths(dummyOptions(t, input))
	assert.Nil(err)
	session := sessions[0]

	err = session.AssociateFiles(dummyAssociated, AssociateOptions{})
	assert.Nil(err)
	assert.Equal(2, len(session.Scans))

	scan, created := session.ScanFor("602", "")
	assert.False(created)
	assert.Equal("602", scan.Type)
	assert.NotNil(scan.Associated)
	resource, found := scan.Resources["LISTMODE"]
	assert.True(found)
	assert.True(resource.Associated)
	assert.Equal("medimage/vnd.siemens.pet-list-mode", resource.Datatype())
	assert.Equal(1, len(resource.Files))
	// identifying substrings are stripped from the file name
	assert.Equal("PT.RAW.602.PTD_LISTMODE.ptd", resource.Files[0].Name)
	assert.True(strings.HasPrefix(filepath.Base(resource.Files[0].Path), "Given0_Family0"))

	associated := session.AssociatedResources()
	assert.Equal(1, len(associated))
	assert.Equal(resource, associated["602/LISTMODE"])

	// attaching the same files again collides with the existing resource
	err = session.AssociateFiles(dummyAssociated, AssociateOptions{})
	var matchErr *PatternMatchError
	assert.True(errors.As(err, &matchErr))
}

func TestAssociateFilesWithReplacementValues(t *testing.T) {
	assert := assert.New(t)

	input := writeDummySessions(t, "replace-input", dtstest.NewDummySession(0))
	sessions, _ := FromPaths(dummyOptions(t, input))
	session := sessions[0]

	err := session.AssociateFiles(dummyAssociated, AssociateOptions{
		NewValues: fields.Metadata{"PatientName": fields.String("Anon^Subject")},
	})
	assert.Nil(err)
	resource := session.AssociatedResources()["602/LISTMODE"]
	assert.Equal("Subject_Anon.PT.RAW.602.PTD_LISTMODE.ptd", resource.Files[0].Name)
}

func TestAssociateFilesBadIdentityPattern(t *testing.T) {
	assert := assert.New(t)

	input := writeDummySessions(t, "badpattern-input", dtstest.NewDummySession(0))
	sessions, _ := FromPaths(dummyOptions(t, input))
	session := sessions[0]

	var matchErr *PatternMatchError
	err := session.AssociateFiles([]config.AssociatedFiles{
		{Glob: dtstest.DummyAssociatedGlob, IdentityPattern: `.*/(?P<id>\d+)`},
	}, AssociateOptions{})
	assert.True(errors.As(err, &matchErr))

	err = session.AssociateFiles([]config.AssociatedFiles{
		{Glob: dtstest.DummyAssociatedGlob, IdentityPattern: `.*/nomatch_(?P<id>\d+)_(?P<resource>\w+)`},
	}, AssociateOptions{})
	assert.True(errors.As(err, &matchErr))
	assert.Equal(1, len(session.Scans))
}

func TestSelectResources(t *testing.T) {
	assert := assert.New(t)

	input := writeDummySessions(t, "select-input", dtstest.NewDummySession(0))
	sessions, _ := FromPaths(dummyOptions(t, input))
	session := sessions[0]
	assert.Nil(session.AssociateFiles(dummyAssociated, AssociateOptions{}))

	var names []string
	for resource := range session.SelectResources() {
		names = append(names, resource.Name)
	}
	assert.Equal([]string{"DICOM", "LISTMODE"}, names)

	names = nil
	for resource := range session.SelectResources("medimage/*") {
		names = append(names, resource.Name)
	}
	assert.Equal([]string{"LISTMODE"}, names)

	names = nil
	for resource := range session.SelectResources("application/json") {
		names = append(names, resource.Name)
	}
	assert.Equal([]string{"DICOM"}, names)
}

func TestScanTypeIsSanitized(t *testing.T) {
	assert := assert.New(t)
	scan := NewScan("4", "AC CT 3.0 [SWB]: HD/FoV?")
	assert.Equal("AC CT 30 SWB HDFoV", scan.Type)
	assert.Equal("4-AC CT 30 SWB HDFoV", scan.DirName())
}

func TestSessionSaveLoadRoundTrip(t *testing.T) {
	assert := assert.New(t)

	input := writeDummySessions(t, "save-input", dtstest.NewDummySession(0))
	sessions, _ := FromPaths(dummyOptions(t, input))
	session := sessions[0]
	assert.Nil(session.AssociateFiles(dummyAssociated, AssociateOptions{}))

	root := testDir(t, "save-root")
	saved, dir, err := session.Save(root, copyOpts)
	assert.Nil(err)
	assert.Equal(filepath.Join(root, "PROJECT", "SUBJECT0", "VISIT0"), dir)
	assert.FileExists(filepath.Join(dir, "1-PET SWB 8MIN", "DICOM", ManifestName))
	assert.FileExists(filepath.Join(dir, "602-602", "LISTMODE", "PT.RAW.602.PTD_LISTMODE.ptd"))
	assert.FileExists(filepath.Join(dir, IDsFileName))

	loaded, err := LoadSession(dir, LoadOptions{RequireManifest: true, CheckChecksums: true})
	assert.Nil(err)
	assert.Equal(saved.Path(), loaded.Path())
	assert.Equal("1.2.3.0", loaded.SessionID)
	assert.Equal(2, len(loaded.Scans))
	for _, scan := range saved.Scans {
		loadedScan, created := loaded.ScanFor(scan.ID, scan.Type)
		assert.False(created)
		for name, resource := range scan.Resources {
			assert.Equal(resource.Checksums, loadedScan.Resources[name].Checksums)
			assert.Equal(resource.Associated, loadedScan.Resources[name].Associated)
		}
	}
	_, found := loaded.AssociatedResources()["602/LISTMODE"]
	assert.True(found)
	assert.Equal(1, len(loaded.AssociatedResources()))

	// saving again changes nothing
	resaved, _, err := loaded.Save(root, copyOpts)
	assert.Nil(err)
	for resource := range resaved.SelectResources() {
		original, _ := saved.ScanFor(resource.Scan.ID, resource.Scan.Type)
		assert.Equal(original.Resources[resource.Name].Checksums, resource.Checksums)
	}
}

func TestSessionIDsOverride(t *testing.T) {
	assert := assert.New(t)

	dir := testDir(t, "ids")
	session := NewSession("P", "S", "V", "SESSION")
	idsFile := filepath.Join(dir, IDsFileName)
	assert.Nil(session.SaveIDs(idsFile))

	other := NewSession("A", "B", "C", "")
	assert.Nil(other.OverrideIDs(idsFile))
	assert.Equal("P-S-V", other.Name())
	assert.Equal("SESSION", other.SessionID)

	assert.Nil(os.WriteFile(idsFile, []byte("subject: MANUAL\n"), 0644))
	assert.Nil(other.OverrideIDs(idsFile))
	assert.Equal("P-MANUAL-V", other.Name())

	assert.Nil(os.WriteFile(idsFile, []byte("subject: [unclosed\n"), 0644))
	assert.NotNil(other.OverrideIDs(idsFile))
}

func TestSessionLastModifiedAndUnlink(t *testing.T) {
	assert := assert.New(t)

	input := testDir(t, "unlink-input")
	paths, err := dtstest.WriteDummySession(filepath.Join(input, "session0"), dtstest.NewDummySession(0))
	assert.Nil(err)
	assert.Nil(dtstest.Touch(paths, sourceTime))

	sessions, _ := FromPaths(dummyOptions(t, input))
	session := sessions[0]
	assert.Nil(session.AssociateFiles(dummyAssociated, AssociateOptions{}))
	mtime, err := session.LastModified()
	assert.Nil(err)
	assert.True(mtime.Equal(sourceTime))

	assert.Nil(session.Unlink())
	for _, p := range paths {
		assert.NoFileExists(p)
	}
	primary := session.PrimaryPaths()
	assert.Equal(3, len(primary))
	assert.True(slices.IsSorted(primary))
}
