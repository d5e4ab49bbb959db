package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeProbe writes an executable shell script standing in for the probe binary.
func writeProbe(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probe")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestParseDevices(t *testing.T) {
	long := strings.Repeat("x", 70000)

	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{"empty", "", []string{}},
		{"single", "acr122_usb:001\n", []string{"acr122_usb:001"}},
		{"no trailing newline", "a\nb", []string{"a", "b"}},
		{"blank lines dropped", "\n\na\n\n  \nb\n", []string{"a", "b"}},
		{"whitespace trimmed", "  a \t\n\tb  \n", []string{"a", "b"}},
		{"crlf", "a\r\nb\r\n", []string{"a", "b"}},
		{"line longer than 64KiB", "acr122_usb:001\n" + long + "\nacr122_usb:002\n", []string{"acr122_usb:001", long, "acr122_usb:002"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseDevices(tc.output))
		})
	}
}

func TestFilter(t *testing.T) {
	ids := []string{"pn532_uart:/dev/ttyUSB0", "acr122_usb:001", "acr122_usb:002"}

	assert.Equal(t, ids, Filter(ids, ""))
	assert.Equal(t, []string{"acr122_usb:001", "acr122_usb:002"}, Filter(ids, "acr122_usb:"))
	assert.Equal(t, []string{}, Filter(ids, "nothing"))
}

func TestDiscover_ParsesAndFilters(t *testing.T) {
	probe := writeProbe(t, `[ "$1" = "-l" ] || exit 3
printf 'acr122_usb:001\nacr122_usb:002\n'`)

	devices, err := Discover(context.Background(), Options{
		Command: probe,
		Filter:  "acr122_usb:",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"acr122_usb:001", "acr122_usb:002"}, devices)
}

func TestDiscover_PreservesOrderAcrossFilter(t *testing.T) {
	probe := writeProbe(t, `printf 'b:2\nother\n\n a:1 \nb:3\n'`)

	devices, err := Discover(context.Background(), Options{Command: probe, Filter: ":"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b:2", "a:1", "b:3"}, devices)
}

func TestDiscover_CustomArgs(t *testing.T) {
	probe := writeProbe(t, `[ "$1" = "--list" ] || exit 3
echo dev`)

	devices, err := Discover(context.Background(), Options{Command: probe, Args: []string{"--list"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, devices)
}

func TestDiscover_NonzeroExit(t *testing.T) {
	probe := writeProbe(t, `echo "unable to init libnfc" >&2
exit 2`)

	devices, err := Discover(context.Background(), Options{Command: probe})
	require.Error(t, err)
	assert.Nil(t, devices)

	var derr *DiscoveryError
	require.True(t, errors.As(err, &derr), "error should be a *DiscoveryError, got %T", err)
	assert.Equal(t, 2, derr.ExitCode)
	assert.Equal(t, "unable to init libnfc", derr.Output)
	assert.Contains(t, err.Error(), "unable to init libnfc")
}

func TestDiscover_FallsBackToStdoutForDiagnostics(t *testing.T) {
	probe := writeProbe(t, `echo "usage: probe"
exit 1`)

	_, err := Discover(context.Background(), Options{Command: probe})

	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "usage: probe", derr.Output)
}

func TestDiscover_MissingBinary(t *testing.T) {
	_, err := Discover(context.Background(), Options{
		Command: filepath.Join(t.TempDir(), "does-not-exist"),
	})

	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, -1, derr.ExitCode)
	assert.NotNil(t, derr.Unwrap())
}

func TestDiscover_ContextCancelled(t *testing.T) {
	probe := writeProbe(t, `exec sleep 5`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Discover(ctx, Options{Command: probe})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDiscover_RequiresCommand(t *testing.T) {
	_, err := Discover(context.Background(), Options{})

	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, -1, derr.ExitCode)
	assert.Contains(t, err.Error(), "probe command is required")
}
