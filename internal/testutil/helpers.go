// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package testutil

import (
	"os"
	"testing"
)

// RequireNetwork skips the test unless the UPF_NET_TEST environment
// variable is set. Tests that bind real sockets only run in
// environments that allow it.
func RequireNetwork(t *testing.T) {
	t.Helper()
	if os.Getenv("UPF_NET_TEST") == "" {
		t.Skip("Skipping test: requires UPF_NET_TEST environment")
	}
}
