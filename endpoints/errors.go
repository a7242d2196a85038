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
	"fmt"
)

// indicates that a copy mode isn't recognized
type InvalidCopyModeError struct {
	Mode string
}

func (e InvalidCopyModeError) Error() string {
	return fmt.Sprintf("Invalid copy mode: %s", e.Mode)
}

// indicates that a materializer provider has already been registered
type AlreadyRegisteredError struct {
	Name string
}

func (e AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("Cannot register materializer '%s' (already registered)", e.Name)
}

// indicates that no materializer provider is registered under a name
type NotRegisteredError struct {
	Name string
}

func (e NotRegisteredError) Error() string {
	return fmt.Sprintf("No materializer is registered as '%s'", e.Name)
}

// indicates that a file could not be materialized
type MaterializeError struct {
	Source      string
	Destination string
	Mode        CopyMode
	Err         error
}

func (e MaterializeError) Error() string {
	return fmt.Sprintf("Couldn't %s %s to %s: %s", e.Mode, e.Source, e.Destination, e.Err)
}

func (e MaterializeError) Unwrap() error {
	return e.Err
}
