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

package endpoints

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCopyMode(t *testing.T) {
	assert := assert.New(t)
	for _, mode := range []CopyMode{Copy, Hardlink, HardlinkOrCopy, Symlink, Move} {
		parsed, err := ParseCopyMode(mode.String())
		assert.Nil(err)
		assert.Equal(mode, parsed)
	}
	_, err := ParseCopyMode("teleport")
	var modeErr *InvalidCopyModeError
	assert.True(errors.As(err, &modeErr))
	assert.Equal("CopyMode(42)", CopyMode(42).String())
}

func TestCommonDir(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("", CommonDir(nil))
	assert.Equal(filepath.FromSlash("/data/session"), CommonDir([]string{
		filepath.FromSlash("/data/session/a/1.dcm"),
		filepath.FromSlash("/data/session/b/2.dcm"),
	}))
	assert.Equal(filepath.FromSlash("/data/session/a"), CommonDir([]string{
		filepath.FromSlash("/data/session/a/1.dcm"),
	}))
	assert.Equal(string(filepath.Separator), CommonDir([]string{
		filepath.FromSlash("/data/1.dcm"),
		filepath.FromSlash("/other/2.dcm"),
	}))
}

func TestTrimCommonPrefix(t *testing.T) {
	assert := assert.New(t)
	files := TrimCommonPrefix([]string{
		filepath.FromSlash("/data/session/a/1.dcm"),
		filepath.FromSlash("/data/session/b/2.dcm"),
	})
	assert.Equal(2, len(files))
	assert.Equal(filepath.FromSlash("a/1.dcm"), files[0].DestinationPath)
	assert.Equal(filepath.FromSlash("b/2.dcm"), files[1].DestinationPath)
	assert.Equal(filepath.FromSlash("/data/session/b/2.dcm"), files[1].SourcePath)
}

// a materializer that does nothing
type nullMaterializer struct{}

func (m nullMaterializer) Materialize(files []FileTransfer, root string, mode CopyMode) error {
	return nil
}

func TestMaterializerRegistry(t *testing.T) {
	assert := assert.New(t)

	created := 0
	err := RegisterMaterializer("null", func() (Materializer, error) {
		created++
		return nullMaterializer{}, nil
	})
	assert.Nil(err)
	err = RegisterMaterializer("null", func() (Materializer, error) {
		return nullMaterializer{}, nil
	})
	var registeredErr *AlreadyRegisteredError
	assert.True(errors.As(err, &registeredErr))

	m1, err := NewMaterializer("null")
	assert.Nil(err)
	m2, err := NewMaterializer("null")
	assert.Nil(err)
	assert.Equal(m1, m2)
	assert.Equal(1, created)

	_, err = NewMaterializer("globus")
	var notRegisteredErr *NotRegisteredError
	assert.True(errors.As(err, &notRegisteredErr))
}
