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

package pathtemplate

import (
	"fmt"
)

// indicates that a template glob could not be parsed or compiled
type InvalidTemplateError struct {
	Glob    string
	Message string
}

func (e InvalidTemplateError) Error() string {
	return fmt.Sprintf("Invalid template glob '%s': %s", e.Glob, e.Message)
}

// indicates that a path expected to match a compiled template does not
type PatternMismatchError struct {
	Path string
	Glob string
	Expr string
}

func (e PatternMismatchError) Error() string {
	return fmt.Sprintf("Path '%s' does not match template glob '%s' (%s)", e.Path, e.Glob, e.Expr)
}
