// Package testutil provides shared test helpers: a fake list service and
// fake server binaries.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteScript writes a /bin/sh script with the given body into a temp dir
// and returns its path.
func WriteScript(t *testing.T, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "anylist-server")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), mode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatal(err)
	}
	return path
}
