// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package dpi

import (
	"bytes"
)

var (
	getPrefix  = []byte("GET ")
	hostHeader = []byte("Host:")
)

// minPayload is the shortest TCP payload worth inspecting.
const minPayload = 8

// ParseHTTPGet classifies an HTTP GET request against a PDR's path and
// host databases. Both must report the same application; any missing
// piece yields no match, and the caller may retry on a later packet.
func ParseHTTPGet(payload []byte, pathDB, hostDB *Handle, sc *Scratch) (app uint, ok bool) {
	if len(payload) < minPayload {
		return 0, false
	}
	if !bytes.HasPrefix(payload, getPrefix) {
		return 0, false
	}

	uri := payload[len(getPrefix):]
	sp := bytes.IndexByte(uri, ' ')
	if sp < 0 {
		return 0, false
	}
	uri = uri[:sp]

	pathApp, ok := pathDB.Scan(uri, sc)
	if !ok {
		return 0, false
	}

	hostVal, ok := hostValue(payload)
	if !ok {
		return 0, false
	}

	hostApp, ok := hostDB.Scan(hostVal, sc)
	if !ok {
		return 0, false
	}

	if pathApp != hostApp {
		return 0, false
	}
	return pathApp, true
}

// hostValue extracts the value of the Host header, clamped to the
// payload. Absent or unterminated headers yield no value.
func hostValue(payload []byte) ([]byte, bool) {
	off := bytes.Index(payload, hostHeader)
	if off < 0 {
		return nil, false
	}

	v := payload[off+len(hostHeader):]
	cr := bytes.IndexByte(v, '\r')
	if cr < 0 {
		return nil, false
	}
	v = v[:cr]

	for len(v) > 0 && v[0] == ' ' {
		v = v[1:]
	}
	if len(v) == 0 {
		return nil, false
	}
	return v, true
}
