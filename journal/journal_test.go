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

// These tests must be run serially, since the journal is coordinated by a
// single goroutine.

package journal

import (
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/frictionlessdata/datapackage-go/datapackage"
	"github.com/frictionlessdata/datapackage-go/validator"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/xnat-ingest/ingest/config"
	"github.com/xnat-ingest/ingest/dtstest"
)

// runs all tests serially
func TestRunner(t *testing.T) {
	tester := SerialTests{Test: t}
	tester.TestInitAndFinalize()
	tester.TestRecordStagedSession()
	tester.TestRecordFailedSession()
	tester.TestRecordsInTimeRange()
	tester.TestInvalidRecords()
}

// This runs setup, runs all tests, and does breakdown.
func TestMain(m *testing.M) {
	var status int
	setup()
	status = m.Run()
	breakdown()
	os.Exit(status)
}

// this function gets called at the begіnning of a test session
func setup() {
	dtstest.EnableDebugLogging()

	log.Print("Creating testing directory...\n")
	var err error
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "staging-journal-tests-")
	if err != nil {
		log.Panicf("Couldn't create testing directory: %s", err)
	}

	// read in the config file with TESTING_DIR replaced
	myConfig := strings.ReplaceAll(journalConfig, "TESTING_DIR", TESTING_DIR)
	err = config.Init([]byte(myConfig))
	if err != nil {
		log.Panicf("Couldn't initialize configuration: %s", err)
	}
}

// this function gets called after all tests have been run
func breakdown() {
	if IsOpen() {
		Finalize()
	}
	if TESTING_DIR != "" {
		log.Printf("Deleting testing directory %s...\n", TESTING_DIR)
		os.RemoveAll(TESTING_DIR)
	}
}

// To run the tests serially, we attach them to a SerialTests type and
// have them run by a a single test runner.
type SerialTests struct{ Test *testing.T }

func (t *SerialTests) TestInitAndFinalize() {
	assert := assert.New(t.Test)

	assert.False(IsOpen())
	err := Init()
	assert.Nil(err)
	assert.True(IsOpen())
	err = Finalize()
	assert.Nil(err)
	assert.False(IsOpen())

	_, err = Records(time.Now().Add(-time.Hour), time.Now())
	var notOpenErr *NotOpenError
	assert.True(errors.As(err, &notOpenErr))
}

func (t *SerialTests) TestRecordStagedSession() {
	assert := assert.New(t.Test)

	err := Init()
	assert.Nil(err)

	manifestString := `{"name":"project-subject0-visit0","profile":"data-package","resources":[{"name":"1-pet_swb_8min-dicom-1_1","path":"1-PET SWB 8MIN/DICOM/1_1.json","hash":"7215ee9c7d9dc229d2921a40e899ec5f","format":"json","mediatype":"application/json","bytes":42}]}`
	manifest, err := datapackage.FromString(manifestString, "datapackage.json", validator.InMemoryLoader())
	assert.Nil(err)

	record := Record{
		Id:           uuid.New(),
		RunId:        uuid.New(),
		Session:      "PROJECT:SUBJECT0:VISIT0",
		Directory:    TESTING_DIR + "/staging/STAGED/PROJECT/SUBJECT0/VISIT0",
		Time:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Status:       Staged,
		NumResources: 2,
		NumFiles:     4,
		Manifest:     manifest,
	}
	err = RecordStaging(record)
	assert.Nil(err)

	record1, err := StagingRecord(record.Id)
	assert.Nil(err)
	assert.Equal(record.Id, record1.Id)
	assert.Equal(record.RunId, record1.RunId)
	assert.Equal(record.Session, record1.Session)
	assert.Equal(record.Directory, record1.Directory)
	assert.True(record.Time.Equal(record1.Time))
	assert.Equal(record.Status, record1.Status)
	assert.Equal(record.NumResources, record1.NumResources)
	assert.Equal(record.NumFiles, record1.NumFiles)
	assert.NotNil(record1.Manifest)
	assert.Equal(manifest.ResourceNames(), record1.Manifest.ResourceNames())

	err = Finalize()
	assert.Nil(err)
}

func (t *SerialTests) TestRecordFailedSession() {
	assert := assert.New(t.Test)

	err := Init()
	assert.Nil(err)

	record := Record{
		Session: "PROJECT:SUBJECT1:VISIT1",
		Time:    time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC),
		Status:  Failed,
		Message: "disk full",
	}
	err = RecordStaging(record)
	assert.Nil(err)

	// the record from the previous test persists
	records, err := Records(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
	assert.Nil(err)
	assert.Equal(2, len(records))
	assert.Equal(Staged, records[0].Status)
	assert.Equal(Failed, records[1].Status)
	assert.Equal("disk full", records[1].Message)
	assert.NotEqual(uuid.Nil, records[1].Id)
	assert.Nil(records[1].Manifest)

	err = Finalize()
	assert.Nil(err)
}

func (t *SerialTests) TestRecordsInTimeRange() {
	assert := assert.New(t.Test)

	err := Init()
	assert.Nil(err)

	// bounds are inclusive
	records, err := Records(time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC),
		time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC))
	assert.Nil(err)
	assert.Equal(1, len(records))
	assert.Equal("PROJECT:SUBJECT1:VISIT1", records[0].Session)

	records, err = Records(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC))
	assert.Nil(err)
	assert.Equal(0, len(records))

	err = Finalize()
	assert.Nil(err)
}

func (t *SerialTests) TestInvalidRecords() {
	assert := assert.New(t.Test)

	err := Init()
	assert.Nil(err)

	err = RecordStaging(Record{Status: "uploaded"})
	var newRecordErr *NewRecordError
	assert.True(errors.As(err, &newRecordErr))

	_, err = StagingRecord(uuid.New())
	var notFoundErr *RecordNotFoundError
	assert.True(errors.As(err, &notFoundErr))

	err = Finalize()
	assert.Nil(err)
}

// temporary testing directory
var TESTING_DIR string

// configuration
const journalConfig string = `
service:
  name: test
  port: 8080
  max_connections: 100
staging:
  dir: TESTING_DIR/staging
  journal: TESTING_DIR/journal.db
`
