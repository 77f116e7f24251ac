// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bureau-foundation/conman/lib/ipmiconsole"
)

// ParseIPMIOptions parses IPMI credentials of the form
// "username[,password[,k_g]]".
//
// The comma is the only separator and there is no escaping. The
// password and K_g fields are literal text unless prefixed with "0x" or
// "0X", in which case the rest must be an even number of hexadecimal
// digits and is decoded to bytes (which may include zeros). Each field
// is bounded; an overlong field is reported by name.
//
// An empty text yields defaults when defaults is non-nil and is an
// error otherwise. A non-empty text must name a user.
func ParseIPMIOptions(text string, defaults *ipmiconsole.IPMIConfig) (ipmiconsole.IPMIConfig, error) {
	if text == "" {
		if defaults == nil {
			return ipmiconsole.IPMIConfig{}, fmt.Errorf("ipmiopt string is empty")
		}
		result := *defaults
		result.Password = append([]byte(nil), defaults.Password...)
		result.Kg = append([]byte(nil), defaults.Kg...)
		return result, nil
	}

	fields := strings.Split(text, ",")
	if len(fields) > 3 {
		return ipmiconsole.IPMIConfig{}, fmt.Errorf("ipmiopt string has %d fields; expected username[,password[,k_g]]", len(fields))
	}

	var result ipmiconsole.IPMIConfig
	if fields[0] == "" {
		return ipmiconsole.IPMIConfig{}, fmt.Errorf("ipmiopt username is empty")
	}
	if len(fields[0]) > ipmiconsole.MaxUsernameLen {
		return ipmiconsole.IPMIConfig{}, fmt.Errorf("ipmiopt username exceeds %d-byte max length", ipmiconsole.MaxUsernameLen)
	}
	result.Username = fields[0]

	if len(fields) > 1 {
		password, err := parseKey("password", fields[1], ipmiconsole.MaxPasswordLen)
		if err != nil {
			return ipmiconsole.IPMIConfig{}, err
		}
		result.Password = password
	}
	if len(fields) > 2 {
		kg, err := parseKey("k_g", fields[2], ipmiconsole.MaxKgLen)
		if err != nil {
			return ipmiconsole.IPMIConfig{}, err
		}
		result.Kg = kg
	}
	return result, nil
}

// parseKey decodes one password or K_g field.
func parseKey(field, text string, limit int) ([]byte, error) {
	var key []byte
	if len(text) >= 2 && text[0] == '0' && (text[1] == 'x' || text[1] == 'X') {
		digits := text[2:]
		if len(digits)%2 != 0 {
			return nil, fmt.Errorf("ipmiopt %s has an odd number of hex digits", field)
		}
		decoded, err := hex.DecodeString(digits)
		if err != nil {
			return nil, fmt.Errorf("ipmiopt %s is not valid hex: %w", field, err)
		}
		key = decoded
	} else {
		key = []byte(text)
	}
	if len(key) > limit {
		return nil, fmt.Errorf("ipmiopt %s exceeds %d-byte max length", field, limit)
	}
	if len(key) == 0 {
		return nil, nil
	}
	return key, nil
}
