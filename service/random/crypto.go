// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package random

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// NewSecureString returns a URL safe random string of the given length
// carrying (6 * length) bits of entropy. The hub uses it for resume tokens.
func NewSecureString(length int) (string, error) {
	if length <= 0 {
		return "", nil
	}
	data := make([]byte, 1+(length*3)/4)
	if n, err := rand.Read(data); err != nil {
		return "", fmt.Errorf("failed to read random data: %w", err)
	} else if n != len(data) {
		return "", fmt.Errorf("failed to read enough data")
	}
	return base64.RawURLEncoding.EncodeToString(data)[:length], nil
}
