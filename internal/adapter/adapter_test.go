package adapter

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/iquestfs/internal/config"
	"github.com/objectfs/iquestfs/internal/filesystem"
	"github.com/objectfs/iquestfs/internal/fuse"
	"github.com/objectfs/iquestfs/internal/storage/memory"
	"github.com/objectfs/iquestfs/pkg/errors"
)

// fakeHost records mount calls without touching the kernel.
type fakeHost struct {
	bridge   filesystem.FileSystem
	config   *fuse.MountConfig
	mountErr error
	mounted  bool
}

func (h *fakeHost) Mount(ctx context.Context) error {
	if h.mountErr != nil {
		return h.mountErr
	}
	h.mounted = true
	return nil
}

func (h *fakeHost) Unmount() error {
	h.mounted = false
	return nil
}

func (h *fakeHost) IsMounted() bool { return h.mounted }
func (h *fakeHost) Wait()           {}

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Remote.User = "rods"
	cfg.Remote.Cwd = "/tempZone/home/rods"
	cfg.Staging.Dir = t.TempDir()
	return cfg
}

func newTestAdapter(t *testing.T, cfg *config.Configuration, catalog *memory.Catalog, host *fakeHost) *Adapter {
	t.Helper()
	a, err := New("/mnt/iquest", cfg, Options{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Dialer: catalog.Dialer(),
		NewHost: func(bridge filesystem.FileSystem, mc *fuse.MountConfig, _ *slog.Logger) fuse.PlatformFileSystem {
			host.bridge, host.config = bridge, mc
			return host
		},
		PID: 4242,
	})
	require.NoError(t, err)
	return a
}

func TestApplyStorageURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		uri         string
		wantType    string
		wantBucket  string
		wantPrefix  string
		errContains string
	}{
		{name: "memory", uri: "memory://", wantType: "memory"},
		{name: "s3 bucket", uri: "s3://my-bucket", wantType: "s3", wantBucket: "my-bucket"},
		{name: "s3 with prefix", uri: "s3://my.bucket/path/to/prefix/", wantType: "s3", wantBucket: "my.bucket", wantPrefix: "path/to/prefix"},
		{name: "s3 without bucket", uri: "s3://", errContains: "bucket name"},
		{name: "unsupported scheme", uri: "gcs://my-bucket", errContains: "unsupported storage scheme"},
		{name: "empty", uri: "", errContains: "unsupported storage scheme"},
		{name: "invalid", uri: "://invalid", errContains: "failed to parse URI"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefault()
			err := ApplyStorageURI(cfg, tt.uri)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, cfg.Backend.Type)
			assert.Equal(t, tt.wantBucket, cfg.Backend.S3.Bucket)
			assert.Equal(t, tt.wantPrefix, cfg.Backend.S3.Prefix)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(stderrors.New("boom")))
	assert.Equal(t, 1, ExitCode(&StartError{Phase: PhaseConfig, Err: stderrors.New("x")}))
	assert.Equal(t, 3, ExitCode(&StartError{Phase: PhaseStaging, Err: stderrors.New("x")}))
	assert.Equal(t, 4, ExitCode(&StartError{Phase: PhaseConnect, Err: stderrors.New("x")}))
	assert.Equal(t, 5, ExitCode(&StartError{Phase: PhaseMount, Err: stderrors.New("x")}))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pool.HighWater = cfg.Pool.MaxConns + 1

	_, err := New("/mnt/iquest", cfg, Options{})
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))

	_, err = New("", testConfig(t), Options{})
	assert.Equal(t, 1, ExitCode(err))
}

func TestBridgeConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Query.SlashRemap = "|"
	cfg.Cache.Hash = "cityhash"

	fsCfg, err := BridgeConfig(cfg, "rods", "/tmp/stage")
	require.NoError(t, err)
	assert.Equal(t, '|', fsCfg.SlashRemap)
	assert.Equal(t, int64(1<<20), fsCfg.ReadStageMax)
	assert.Equal(t, int64(4<<20), fsCfg.WriteStageMax)
	assert.Equal(t, "rods", fsCfg.Pool.Endpoint.User)
	assert.Equal(t, "tempZone", fsCfg.Pool.Endpoint.Zone)
	assert.Equal(t, 10, fsCfg.Pool.MaxConns)
	assert.Equal(t, 201, fsCfg.Cache.Slots)
	assert.NotNil(t, fsCfg.Cache.Hash)
	assert.Equal(t, 512, fsCfg.MaxDescriptors)
	assert.Equal(t, 5, fsCfg.RegistrySlots)
	assert.Equal(t, "/tmp/stage", fsCfg.StagingDir)
}

func TestStartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.RequireConn = true
	catalog := memory.NewCatalog()
	catalog.MkdirAll(cfg.Remote.Cwd)
	host := &fakeHost{}
	a := newTestAdapter(t, cfg, catalog, host)
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	assert.True(t, host.mounted)
	assert.Equal(t, "/mnt/iquest", host.config.MountPoint)
	assert.Equal(t, uint32(128*1024), host.config.Options.MaxWrite)
	assert.Same(t, a.Bridge(), host.bridge)

	dir := a.StagingDir()
	assert.Equal(t, filepath.Join(cfg.Staging.Dir, "rods.4242"), dir)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, 1, catalog.Connects())

	attr, err := a.Bridge().GetAttr(ctx, "/")
	require.NoError(t, err)
	assert.True(t, attr.IsDir())

	require.NoError(t, a.Stop(ctx))
	assert.False(t, host.mounted)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, catalog.Connects(), catalog.Disconnects())
}

func TestStart_RequireConnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.RequireConn = true
	catalog := memory.NewCatalog()
	catalog.SetAuthError(errors.NewError(errors.ErrCodeCredentialExpired, "ticket expired"))
	host := &fakeHost{}
	a := newTestAdapter(t, cfg, catalog, host)
	ctx := context.Background()

	err := a.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, 4, ExitCode(err))
	assert.False(t, host.mounted)
	assert.NoError(t, a.Stop(ctx))
}

func TestStart_MountFailure(t *testing.T) {
	cfg := testConfig(t)
	host := &fakeHost{mountErr: stderrors.New("fusermount: permission denied")}
	a := newTestAdapter(t, cfg, memory.NewCatalog(), host)
	ctx := context.Background()

	err := a.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, 5, ExitCode(err))
	assert.NoError(t, a.Stop(ctx))
}

func TestStart_StagingFailure(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))
	cfg.Staging.Dir = blocker

	a := newTestAdapter(t, cfg, memory.NewCatalog(), &fakeHost{})
	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))
}
