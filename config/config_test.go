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

package config

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// a valid service config entry
const VALID_SERVICE string = `
service:
  port: 8080
  max_connections: 100
  log_level: debug
`

// a valid staging config entry
const VALID_STAGING string = `
staging:
  dir: ${INGEST_TEST_STAGING_DIR}
  inputs:
    - /data/incoming
  recursive: true
  datatypes:
    - medimage/dicom
  copy_mode: copy
  wait_period: 60
`

// a valid fields/associated files config entry
const VALID_FIELDS string = `
fields:
  project:
    - field: StudyID
      datatype: medimage/dicom
  resource:
    - field: ImageType[-1]
associated_files:
  - datatype: medimage/vnd.siemens.syngo-mi.vr20b.raw
    glob: "**/{PatientName.family_name}_{PatientName.given_name}*.ptd"
    identity_pattern: '.*/[^\.]+.[^\.]+.[^\.]+.(?P<id>\d+)\.[A-Z]+_(?P<resource>[^\.]+).*'
`

// tests whether config.Init reports an error for blank input
func TestInitRejectsBlankInput(t *testing.T) {
	b := []byte("")
	err := Init(b)
	assert.NotNil(t, err, "Blank config didn't trigger an error.")
}

// tests whether config.Init reports an error for an invalid port
func TestInitRejectsBadPort(t *testing.T) {
	yaml := "service:\n  port: -1\n\n" + VALID_STAGING
	b := []byte(yaml)
	err := Init(b)
	assert.NotNil(t, err, "Config with bad port didn't trigger an error.")
	yaml = "service:\n  port: 1000000\n\n" + VALID_STAGING
	b = []byte(yaml)
	err = Init(b)
	assert.NotNil(t, err, "Config with bad port didn't trigger an error.")
}

// tests whether config.Init reports an error for an invalid max number of
// connections
func TestInitRejectsBadMaxConnections(t *testing.T) {
	yaml := "service:\n  max_connections: 0\n\n" + VALID_STAGING
	b := []byte(yaml)
	err := Init(b)
	assert.NotNil(t, err, "Config with bad max_connections didn't trigger an error.")
}

// tests whether config.Init rejects a configuration with no staging directory
func TestInitRejectsNoStagingDirectory(t *testing.T) {
	yaml := VALID_SERVICE + "staging:\n  copy_mode: copy\n"
	err := Init([]byte(yaml))
	assert.NotNil(t, err, "Config with no staging dir didn't trigger an error.")
}

// tests whether config.Init rejects unknown copy modes and overwrite policies
func TestInitRejectsBadModes(t *testing.T) {
	assert := assert.New(t)
	yaml := strings.ReplaceAll(VALID_SERVICE+VALID_STAGING, "copy_mode: copy", "copy_mode: teleport")
	assert.NotNil(Init([]byte(yaml)))
	yaml = VALID_SERVICE + VALID_STAGING + "  overwrite: sometimes\n"
	assert.NotNil(Init([]byte(yaml)))
}

// tests whether config.Init rejects clashing staging subdirectory names
func TestInitRejectsClashingSubdirectories(t *testing.T) {
	yaml := VALID_SERVICE + VALID_STAGING + "  staged_name: INVALID\n"
	err := Init([]byte(yaml))
	assert.NotNil(t, err, "Config with clashing subdirectories didn't trigger an error.")
}

// tests whether raise_errors and loop_interval are mutually exclusive
func TestInitRejectsLoopWithRaiseErrors(t *testing.T) {
	yaml := VALID_SERVICE + VALID_STAGING + "  raise_errors: true\n  loop_interval: 60\n"
	err := Init([]byte(yaml))
	assert.NotNil(t, err, "Looping config with raise_errors didn't trigger an error.")
}

// tests whether associated file entries require a glob and an identity pattern
func TestInitRejectsIncompleteAssociatedFiles(t *testing.T) {
	yaml := VALID_SERVICE + VALID_STAGING + "associated_files:\n  - glob: '*.ptd'\n"
	err := Init([]byte(yaml))
	assert.NotNil(t, err, "Associated files without identity pattern didn't trigger an error.")
}

// Tests whether config.Init returns no error for a configuration that is
// (ostensibly) valid.
func TestInitAcceptsValidInput(t *testing.T) {
	yaml := VALID_SERVICE + VALID_STAGING + VALID_FIELDS
	b := []byte(yaml)
	err := Init(b)
	assert.Nil(t, err, fmt.Sprintf("Valid YAML input produced an error: %s", err))
}

// Tests whether config.Init properly initializes its globals for valid input.
func TestInitProperlySetsGlobals(t *testing.T) {
	assert := assert.New(t)
	yaml := VALID_SERVICE + VALID_STAGING + VALID_FIELDS
	b := []byte(yaml)
	err := Init(b)
	assert.Nil(err, fmt.Sprintf("Valid YAML input produced an error: %s", err))

	// Check data
	assert.Equal(8080, Service.Port)
	assert.Equal(100, Service.MaxConnections)
	assert.Equal("/tmp/staging-test", Staging.Directory)
	assert.Equal("PRE-STAGE", Staging.PreStageName)
	assert.Equal("STAGED", Staging.StagedName)
	assert.Equal("INVALID", Staging.InvalidName)
	assert.Equal("if_newer", Staging.Overwrite)
	assert.Equal(60, Staging.WaitPeriod)
	assert.True(Staging.Recursive)
	assert.Equal([]FieldSpec{{Field: "StudyID", Datatype: "medimage/dicom"}}, Fields.Project)
	assert.Equal([]FieldSpec{{Field: "PatientID"}}, Fields.Subject) // default
	assert.Equal([]FieldSpec{{Field: "ImageType[-1]"}}, Fields.Resource)
	assert.Equal(1, len(Associated))
	assert.Equal("medimage/vnd.siemens.syngo-mi.vr20b.raw", Associated[0].Datatype)
}

// this function gets called at the begіnning of a test session
func setup() {
	os.Setenv("INGEST_TEST_STAGING_DIR", "/tmp/staging-test")
}

// this function gets called after all tests have been run
func breakdown() {
	os.Unsetenv("INGEST_TEST_STAGING_DIR")
}

// This runs setup, runs all tests, and does breakdown.
func TestMain(m *testing.M) {
	var status int
	setup()
	status = m.Run()
	breakdown()
	os.Exit(status)
}
