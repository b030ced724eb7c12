// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package random

import (
	"bytes"
	"encoding/base32"
	"strings"

	"github.com/pborman/uuid"
)

const (
	charset = "ybndrfg8ejkmcpqxot1uwisza345h769"
	// IDLength is the length of identifiers returned by NewID.
	IDLength = 26
)

var encoding = base32.NewEncoding(charset)

// NewID returns a random identifier used for connections and calls. It is a
// version 4 UUID, zbase32 encoded, with the padding stripped off.
func NewID() string {
	var b bytes.Buffer
	encoder := base32.NewEncoder(encoding, &b)
	if _, err := encoder.Write(uuid.NewRandom()); err != nil {
		return ""
	}
	encoder.Close()
	b.Truncate(IDLength)
	return b.String()
}

// IsValidID reports whether id could have been generated by NewID.
func IsValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune(charset, c) {
			return false
		}
	}
	return true
}
