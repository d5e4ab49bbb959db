package cardwatch

import (
	"os"
	"path/filepath"
	"testing"
)

// writeScript writes an executable shell script into a fresh temp dir and
// returns its path.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// fakeReaders returns probe and poll scripts simulating the given devices.
// The poll script runs pollBody with the device id as $1.
func fakeReaders(t *testing.T, pollBody string, devices ...string) (probe, poll string) {
	t.Helper()
	list := ""
	for _, d := range devices {
		list += d + "\\n"
	}
	probe = writeScript(t, "probe", `printf '`+list+`'`)
	poll = writeScript(t, "poll", pollBody)
	return probe, poll
}
