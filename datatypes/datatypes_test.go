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

package datatypes

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/xnat-ingest/ingest/fields"
)

// temporary testing directory
var TESTING_DIR string

func writeFile(t *testing.T, name string, data []byte) string {
	p := filepath.Join(TESTING_DIR, name)
	assert.Nil(t, os.WriteFile(p, data, 0644))
	return p
}

func TestBuiltinsAreRegistered(t *testing.T) {
	assert := assert.New(t)
	for _, name := range []string{Generic, Dicom, JSON, YAML} {
		_, found := Lookup(name)
		assert.True(found, name)
	}
	assert.Contains(Names(), Dicom)

	err := Register(Datatype{Name: "nonsense"})
	var invalidErr *InvalidDatatypeError
	assert.True(errors.As(err, &invalidErr))
}

func TestDetect(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(Dicom, Detect("/data/1.DCM"))
	assert.Equal(Dicom, Detect("/data/1.ima"))
	assert.Equal(JSON, Detect("/data/hdr.json"))
	assert.Equal(YAML, Detect("/data/hdr.yml"))

	// longer extensions win
	Register(Datatype{Name: "medimage/vnd.test+json", Extensions: []string{".test.json"}})
	assert.Equal("medimage/vnd.test+json", Detect("/data/hdr.test.json"))

	// files without extensions are sniffed
	preamble := make([]byte, 128)
	dcm := writeFile(t, "noext", append(preamble, []byte("DICMrest-of-header")...))
	assert.Equal(Dicom, Detect(dcm))
	other := writeFile(t, "short", []byte("hi"))
	assert.Equal(Generic, Detect(other))
	assert.Equal(Generic, Detect(filepath.Join(TESTING_DIR, "missing")))
}

func TestReadJSONAndYAMLMetadata(t *testing.T) {
	assert := assert.New(t)

	p := writeFile(t, "hdr.json", []byte(`{"PatientID": "S1", "SeriesNumber": 3, "ImageType": ["ORIGINAL", "PRIMARY"]}`))
	md, err := ReadMetadata(JSON, p)
	assert.Nil(err)
	assert.Equal(fields.String("S1"), md["PatientID"])
	assert.Equal(fields.Int(3), md["SeriesNumber"])
	assert.Equal(fields.List("ORIGINAL", "PRIMARY"), md["ImageType"])

	p = writeFile(t, "hdr.yaml", []byte("PatientID: S1\nSeriesNumber: 3\nImageType: [ORIGINAL, PRIMARY]\n"))
	md, err = ReadMetadata(YAML, p)
	assert.Nil(err)
	assert.Equal(fields.String("S1"), md["PatientID"])
	assert.Equal(fields.Int(3), md["SeriesNumber"])
	assert.Equal(fields.List("ORIGINAL", "PRIMARY"), md["ImageType"])

	p = writeFile(t, "bad.json", []byte(`{"PatientID": `))
	_, err = ReadMetadata(JSON, p)
	var mdErr *MetadataError
	assert.True(errors.As(err, &mdErr))

	md, err = ReadMetadata(Generic, p)
	assert.Nil(err)
	assert.Equal(0, len(md))

	_, err = ReadMetadata("medimage/unknown", p)
	var unknownErr *UnknownDatatypeError
	assert.True(errors.As(err, &unknownErr))
}

func TestDicomMetadata(t *testing.T) {
	assert := assert.New(t)

	name, err := dicom.NewElement(tag.PatientName, []string{"Doe^Jane"})
	assert.Nil(err)
	imageType, err := dicom.NewElement(tag.ImageType, []string{"ORIGINAL", "PRIMARY"})
	assert.Nil(err)
	rows, err := dicom.NewElement(tag.Rows, []int{512})
	assert.Nil(err)

	md := dicomMetadata(dicom.Dataset{Elements: []*dicom.Element{name, imageType, rows}})
	assert.Equal(fields.String("Doe^Jane"), md["PatientName"])
	assert.Equal(fields.List("ORIGINAL", "PRIMARY"), md["ImageType"])
	assert.Equal(fields.Int(512), md["Rows"])
}

// This runs setup, runs all tests, and does breakdown.
func TestMain(m *testing.M) {
	var err error
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "datatypes-tests-")
	if err != nil {
		log.Panicf("Couldn't create testing directory: %s", err)
	}
	status := m.Run()
	os.RemoveAll(TESTING_DIR)
	os.Exit(status)
}
