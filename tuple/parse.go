/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package tuple

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

/*
ErrDescriptorSyntax is returned for descriptors which cannot be parsed.
*/
var ErrDescriptorSyntax = errors.New("Invalid descriptor")

/*
ParseType returns the type of a given name.
*/
func ParseType(name string) (Type, error) {
	for t := TypeInt64; t <= TypeBinary; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown type %v", ErrDescriptorSyntax, name)
}

/*
ParseDescriptor parses the string representation of a descriptor. Attributes
are separated by commas and have the form:

	name type[(maxlength)][ not null]

Surrounding brackets are optional. Attributes are nullable unless they are
declared not null.
*/
func ParseDescriptor(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")

	var ret Descriptor

	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: no attributes", ErrDescriptorSyntax)
	}

	for _, part := range strings.Split(s, ",") {
		a, err := parseAttribute(strings.Fields(part))
		if err != nil {
			return nil, err
		}
		ret = append(ret, a)
	}

	return ret, nil
}

/*
parseAttribute parses the words of a single attribute.
*/
func parseAttribute(words []string) (AttributeDescriptor, error) {
	var a AttributeDescriptor

	if len(words) == 4 && strings.ToLower(words[2]) == "not" && strings.ToLower(words[3]) == "null" {
		words = words[:2]
	} else if len(words) == 2 {
		a.Nullable = true
	} else {
		return a, fmt.Errorf("%w: %v", ErrDescriptorSyntax, strings.Join(words, " "))
	}

	a.Name = words[0]
	typeName := strings.ToLower(words[1])

	if i := strings.Index(typeName, "("); i > 0 && strings.HasSuffix(typeName, ")") {
		l, err := strconv.Atoi(typeName[i+1 : len(typeName)-1])
		if err != nil || l <= 0 {
			return a, fmt.Errorf("%w: invalid length in %v", ErrDescriptorSyntax, words[1])
		}
		a.MaxLength = l
		typeName = typeName[:i]
	}

	t, err := ParseType(typeName)
	if err != nil {
		return a, err
	}

	if a.MaxLength > 0 && t != TypeString && t != TypeBinary {
		return a, fmt.Errorf("%w: type %v has no length", ErrDescriptorSyntax, t)
	}

	a.Type = t

	return a, nil
}
