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

package frictionless

import (
	"crypto/md5"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xnat-ingest/ingest/dtstest"
	"github.com/xnat-ingest/ingest/endpoints"
	"github.com/xnat-ingest/ingest/sessions"
)

// temporary testing directory
var TESTING_DIR string

// this function gets called at the begіnning of a test session
func setup() {
	dtstest.EnableDebugLogging()
	log.Print("Creating testing directory...\n")
	var err error
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "frictionless-tests-")
	if err != nil {
		log.Panicf("Couldn't create testing directory: %s", err)
	}
}

// this function gets called after all tests have been run
func breakdown() {
	if TESTING_DIR != "" {
		log.Printf("Deleting testing directory %s...\n", TESTING_DIR)
		os.RemoveAll(TESTING_DIR)
	}
}

// builds a session from a dummy session's files
func dummySession(t *testing.T) *sessions.Session {
	input := filepath.Join(TESTING_DIR, "input")
	paths, err := dtstest.WriteDummySession(input, dtstest.NewDummySession(0))
	assert.Nil(t, err)

	session := sessions.NewSession("PROJECT", "SUBJECT0", "VISIT0", "1.2.3.0")
	scan, _ := session.ScanFor("1", "PET SWB 8MIN")
	assert.Nil(t, scan.AddResource(sessions.NewResource("DICOM", "application/json", paths[:3], nil)))
	return session
}

func TestSessionPackage(t *testing.T) {
	assert := assert.New(t)

	session := dummySession(t)
	root := filepath.Join(TESTING_DIR, "staged")
	saved, dir, err := session.Save(root, sessions.SaveOptions{CopyMode: endpoints.Copy})
	assert.Nil(err)

	p, err := SessionPackage(saved, dir)
	assert.Nil(err)
	assert.Equal("project-subject0-visit0", p.Name)
	assert.Equal("PROJECT:SUBJECT0:VISIT0", p.Title)
	assert.Equal(3, len(p.Resources))

	res := p.Resources[0]
	assert.Equal("1-PET SWB 8MIN/DICOM/1_1.json", res.Path)
	assert.Equal("1-pet_swb_8min/dicom/1_1.json", res.Name)
	assert.Equal("json", res.Format)
	assert.Equal("application/json", res.MediaType)
	assert.Equal("md5", res.HashAlgorithm())
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(res.Path)))
	assert.Nil(err)
	digest := md5.Sum(data)
	assert.Equal(hex.EncodeToString(digest[:]), res.Hash)
	assert.Equal(int64(len(data)), res.Bytes)

	pkg, err := p.Save(dir)
	assert.Nil(err)
	assert.FileExists(filepath.Join(dir, DescriptorName))
	assert.Equal(3, len(pkg.ResourceNames()))

	loaded, err := Load(dir)
	assert.Nil(err)
	assert.Equal(pkg.ResourceNames(), loaded.ResourceNames())
}

func TestUncommittedSessionIsRejected(t *testing.T) {
	assert := assert.New(t)
	session := dummySession(t)
	_, err := SessionPackage(session, filepath.Join(TESTING_DIR, "input"))
	assert.NotNil(err)
}

func TestHashAlgorithm(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("md5", DataResource{Hash: "9dd4e461268c8034f5c8564e155c67a6"}.HashAlgorithm())
	assert.Equal("sha256", DataResource{Hash: "sha256:abcdef"}.HashAlgorithm())
}

func TestInvalidPackage(t *testing.T) {
	assert := assert.New(t)
	p := DataPackage{Name: "empty", Profile: "data-package"}
	_, err := p.Validate(TESTING_DIR)
	assert.NotNil(err)
}

// This runs setup, runs all tests, and does breakdown.
func TestMain(m *testing.M) {
	var status int
	setup()
	status = m.Run()
	breakdown()
	os.Exit(status)
}
