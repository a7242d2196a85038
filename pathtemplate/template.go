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

// Package pathtemplate matches file paths against globs containing
// {Field} and {Field.attr} placeholders, and relabels matched paths by
// substituting new values for the placeholders.
package pathtemplate

import (
	"regexp"
	"strings"
)

type tokenKind int

const (
	literalToken tokenKind = iota
	globToken
	placeholderToken
)

// a lexical element of a template glob
type token struct {
	kind tokenKind
	// regular expression for literals and glob tokens
	expr string
	// placeholder field and (optional) attribute
	field, attr string
}

// A parsed template glob. Templates are compiled with a set of old values to
// produce a Matcher.
type Template struct {
	// the glob from which the template was parsed
	Glob   string
	tokens []token
}

// glob tokens and their regular expressions, in order of precedence
var globTokens = []struct{ glob, expr string }{
	{"/**", `(?:/.+?)*`},
	{"**/", `(?:^.+?/)*`},
	{"*", `[^/]*`},
	{"?", `.`},
	{"[*]", `\*`},
	{"[?]", `\?`},
	{"[!", `[^`},
	{"[", `[`},
	{"]", `]`},
}

var placeholderRegexp = regexp.MustCompile(`^(\w+)(?:\.(\w+))?$`)

// Parses a template glob into literals, glob tokens, and placeholders.
func Parse(glob string) (*Template, error) {
	tmpl := &Template{Glob: glob}
	var literal strings.Builder
	flush := func() {
		if literal.Len() > 0 {
			tmpl.tokens = append(tmpl.tokens, token{
				kind: literalToken,
				expr: regexp.QuoteMeta(literal.String()),
			})
			literal.Reset()
		}
	}

	for i := 0; i < len(glob); {
		if glob[i] == '{' {
			end := strings.IndexByte(glob[i:], '}')
			if end == -1 {
				return nil, &InvalidTemplateError{Glob: glob, Message: "unclosed placeholder"}
			}
			match := placeholderRegexp.FindStringSubmatch(glob[i+1 : i+end])
			if match == nil {
				return nil, &InvalidTemplateError{
					Glob:    glob,
					Message: "invalid placeholder '" + glob[i:i+end+1] + "'",
				}
			}
			flush()
			tmpl.tokens = append(tmpl.tokens, token{
				kind:  placeholderToken,
				field: match[1],
				attr:  match[2],
			})
			i += end + 1
			continue
		}
		matched := false
		for _, gt := range globTokens {
			if strings.HasPrefix(glob[i:], gt.glob) {
				flush()
				tmpl.tokens = append(tmpl.tokens, token{kind: globToken, expr: gt.expr})
				i += len(gt.glob)
				matched = true
				break
			}
		}
		if !matched {
			literal.WriteByte(glob[i])
			i++
		}
	}
	flush()
	return tmpl, nil
}

// Translates a plain glob (placeholders are treated literally) into an
// unanchored regular expression.
func GlobToRegexp(glob string) string {
	var expr strings.Builder
	var literal strings.Builder
	for i := 0; i < len(glob); {
		matched := false
		for _, gt := range globTokens {
			if strings.HasPrefix(glob[i:], gt.glob) {
				expr.WriteString(regexp.QuoteMeta(literal.String()))
				literal.Reset()
				expr.WriteString(gt.expr)
				i += len(gt.glob)
				matched = true
				break
			}
		}
		if !matched {
			literal.WriteByte(glob[i])
			i++
		}
	}
	expr.WriteString(regexp.QuoteMeta(literal.String()))
	return expr.String()
}

// returns the distinct fields referenced by placeholders in the template
func (tmpl *Template) Fields() []string {
	var names []string
	seen := make(map[string]bool)
	for _, tok := range tmpl.tokens {
		if tok.kind == placeholderToken && !seen[tok.field] {
			seen[tok.field] = true
			names = append(names, tok.field)
		}
	}
	return names
}

// returns true if the template is rooted at an absolute path
func (tmpl *Template) IsAbs() bool {
	return strings.HasPrefix(tmpl.Glob, "/")
}
