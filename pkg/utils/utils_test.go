package utils

import (
	"compress/gzip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "512", want: 512},
		{in: "64K", want: 64 << 10},
		{in: "64kb", want: 64 << 10},
		{in: "1MB", want: 1 << 20},
		{in: "1MiB", want: 1 << 20},
		{in: "4 MB", want: 4 << 20},
		{in: "1.5G", want: 3 << 29},
		{in: "2T", want: 2 << 40},
		{in: "", wantErr: true},
		{in: "lots", wantErr: true},
		{in: "-1K", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBytes(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "4.0 MB", FormatBytes(4<<20))
	assert.Equal(t, "1.5 GB", FormatBytes(3<<29))
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
	} {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLogLevel("LOUD")
	assert.Error(t, err)
}

func TestSetupLoggingToFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "iquestfs.log")
	logger, closer, err := SetupLogging(LogOptions{Level: "WARN", File: path})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "path", "/zone/home")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
	assert.Contains(t, string(data), "path=/zone/home")
}

func TestSetupLoggingRejectsBadLevel(t *testing.T) {
	_, _, err := SetupLogging(LogOptions{Level: "LOUD"})
	assert.Error(t, err)
}

func TestLogRotatorRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "iquestfs.log")
	lr, err := NewLogRotator(RotationConfig{Filename: path, MaxSize: 10, MaxBackups: 2})
	require.NoError(t, err)
	defer func() { _ = lr.Close() }()

	for _, line := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		_, err := lr.Write([]byte(line))
		require.NoError(t, err)
	}

	read := func(name string) string {
		data, err := os.ReadFile(name)
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "dddddddd\n", read(path))
	assert.Equal(t, "cccccccc\n", read(path+".1"))
	assert.Equal(t, "bbbbbbbb\n", read(path+".2"))
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestLogRotatorCompresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iquestfs.log")
	lr, err := NewLogRotator(RotationConfig{Filename: path, MaxBackups: 1, Compress: true})
	require.NoError(t, err)

	_, err = lr.Write([]byte("first\n"))
	require.NoError(t, err)
	require.NoError(t, lr.Rotate())
	_, err = lr.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, lr.Close())

	f, err := os.Open(path + ".1.gz")
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(data))

	_, err = os.Stat(path + ".1")
	assert.True(t, os.IsNotExist(err))

	_, err = lr.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestSecureJoin(t *testing.T) {
	got, err := SecureJoin("/tmp/fuseCache", "alice.42")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/fuseCache", "alice.42"), got)

	_, err = SecureJoin("/tmp/fuseCache", "..", "etc")
	assert.Error(t, err)

	_, err = SecureJoin("", "x")
	assert.Error(t, err)
}

func TestProcessDir(t *testing.T) {
	got, err := ProcessDir("/tmp/fuseCache", "alice", 4242)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, "alice.4242"))

	_, err = ProcessDir("/tmp/fuseCache", "../root", 1)
	assert.Error(t, err)
}
