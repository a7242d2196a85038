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
	"fmt"
)

// indicates that a filesystem operation in the staging area failed
type StagingIOError struct {
	Session string
	Op      string
	Path    string
	Err     error
}

func (e StagingIOError) Error() string {
	if e.Session == "" {
		return fmt.Sprintf("Couldn't %s '%s': %s", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("Couldn't %s '%s' while staging session '%s': %s", e.Op, e.Path,
		e.Session, e.Err)
}

func (e StagingIOError) Unwrap() error {
	return e.Err
}

// indicates that a staging loop was requested with errors raised, which would
// terminate the loop at the first error
type LoopWithRaiseErrorsError struct{}

func (e LoopWithRaiseErrorsError) Error() string {
	return "Staging can't be run in a loop when errors are raised rather than accumulated"
}
