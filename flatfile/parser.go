/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package flatfile

import (
	"bytes"
	"errors"
)

/*
ErrUnterminatedQuote is returned if the input ends inside a quoted field.
*/
var ErrUnterminatedQuote = errors.New("Unterminated quoted field")

/*
Field is a single parsed text field.
*/
type Field struct {
	Value  string // Text of the field
	Quoted bool   // Flag if the field was quoted
}

/*
Parser splits delimited text into rows and fields.
*/
type Parser struct {
	FieldDelimiter byte // Delimiter between fields
	RowDelimiter   byte // Delimiter between rows
	Quote          byte // Quote character (0 for no quoting)
	Escape         byte // Escape character within quotes (may be the quote itself)
	Trim           bool // Flag to trim whitespace of unquoted fields
}

/*
NewParser creates a parser for comma separated values with double quotes.
*/
func NewParser() *Parser {
	return &Parser{',', '\n', '"', '"', false}
}

/*
ScanRow parses the next row from the start of a buffer. Returns the fields
and the number of consumed bytes. If the buffer does not contain a complete
row and more data may follow (atEOF is false) no bytes are consumed.
*/
func (p *Parser) ScanRow(buf []byte, atEOF bool) ([]Field, int, error) {
	var fields []Field
	var cur []byte

	quoted := false
	inQuotes := false

	finish := func() {
		fields = append(fields, p.finishField(cur, quoted))
		cur = nil
		quoted = false
	}

	for i := 0; i < len(buf); i++ {
		c := buf[i]

		if inQuotes {

			if c == p.Escape && p.Escape != p.Quote {
				if i+1 == len(buf) && !atEOF {
					return nil, 0, nil
				} else if i+1 < len(buf) && (buf[i+1] == p.Quote || buf[i+1] == p.Escape) {
					cur = append(cur, buf[i+1])
					i++
					continue
				}
			}

			if c == p.Quote {
				if p.Escape == p.Quote {
					if i+1 == len(buf) && !atEOF {
						return nil, 0, nil
					} else if i+1 < len(buf) && buf[i+1] == p.Quote {
						cur = append(cur, p.Quote)
						i++
						continue
					}
				}

				inQuotes = false
				continue
			}

			cur = append(cur, c)
			continue
		}

		if p.Quote != 0 && c == p.Quote && !quoted && (len(cur) == 0 || (p.Trim && isBlank(cur))) {
			cur = cur[:0]
			quoted = true
			inQuotes = true
			continue
		}

		if c == p.FieldDelimiter {
			finish()
			continue
		}

		if c == p.RowDelimiter {
			finish()
			return fields, i + 1, nil
		}

		cur = append(cur, c)
	}

	if !atEOF || len(buf) == 0 {
		return nil, 0, nil
	}

	if inQuotes {
		return nil, len(buf), ErrUnterminatedQuote
	}

	finish()

	return fields, len(buf), nil
}

/*
finishField creates a field from collected text.
*/
func (p *Parser) finishField(text []byte, quoted bool) Field {
	if p.RowDelimiter == '\n' {
		text = bytes.TrimSuffix(text, []byte{'\r'})
	}
	if !quoted && p.Trim {
		text = bytes.TrimSpace(text)
	}

	return Field{string(text), quoted}
}

/*
isBlank checks if a text contains only spaces and tabs.
*/
func isBlank(text []byte) bool {
	return len(bytes.Trim(text, " \t")) == 0
}
