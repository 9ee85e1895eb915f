package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/user"
	"strings"

	"go.uber.org/multierr"

	"github.com/objectfs/iquestfs/internal/cache"
	"github.com/objectfs/iquestfs/internal/config"
	"github.com/objectfs/iquestfs/internal/filesystem"
	"github.com/objectfs/iquestfs/internal/fuse"
	"github.com/objectfs/iquestfs/internal/metrics"
	"github.com/objectfs/iquestfs/internal/pool"
	"github.com/objectfs/iquestfs/internal/storage/memory"
	"github.com/objectfs/iquestfs/internal/storage/s3"
	"github.com/objectfs/iquestfs/pkg/types"
	"github.com/objectfs/iquestfs/pkg/utils"
)

// Phase names the startup step that failed.
type Phase int

const (
	PhaseConfig Phase = iota
	PhaseStaging
	PhaseConnect
	PhaseMount
)

func (p Phase) String() string {
	switch p {
	case PhaseStaging:
		return "staging"
	case PhaseConnect:
		return "connect"
	case PhaseMount:
		return "mount"
	default:
		return "config"
	}
}

// ExitCode is the process status reported for a failure in this phase.
func (p Phase) ExitCode() int {
	switch p {
	case PhaseStaging:
		return 3
	case PhaseConnect:
		return 4
	case PhaseMount:
		return 5
	default:
		return 1
	}
}

// StartError is returned by Start.
type StartError struct {
	Phase Phase
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ExitCode returns the process status for err: 0 for nil, the phase's code for a
// StartError and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *StartError
	if stderrors.As(err, &se) {
		return se.Phase.ExitCode()
	}
	return 1
}

// HostFactory builds the FUSE host serving a bridge.
type HostFactory func(bridge filesystem.FileSystem, config *fuse.MountConfig, logger *slog.Logger) fuse.PlatformFileSystem

// Options override how the adapter builds its collaborators.
type Options struct {
	Logger *slog.Logger
	// Dialer replaces the configured backend.
	Dialer types.Dialer
	// NewHost replaces the platform FUSE host.
	NewHost HostFactory
	// PID names the staging directory; os.Getpid when zero.
	PID int
}

// Adapter is one iquestfs mount: catalog backend, bridge, metrics and FUSE host.
type Adapter struct {
	mountPoint string
	config     *config.Configuration
	options    Options
	logger     *slog.Logger

	stagingDir string
	dialer     types.Dialer
	collector  *metrics.Collector
	bridge     *filesystem.Bridge
	host       fuse.PlatformFileSystem
}

// New creates an adapter for mountPoint. The configuration is validated here;
// nothing is created on disk or on the network until Start.
func New(mountPoint string, cfg *config.Configuration, opts Options) (*Adapter, error) {
	if mountPoint == "" {
		return nil, &StartError{Phase: PhaseConfig, Err: fmt.Errorf("mount point cannot be empty")}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &StartError{Phase: PhaseConfig, Err: fmt.Errorf("invalid configuration: %w", err)}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewHost == nil {
		opts.NewHost = fuse.CreatePlatformMountManager
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}

	return &Adapter{
		mountPoint: mountPoint,
		config:     cfg,
		options:    opts,
		logger:     opts.Logger,
	}, nil
}

// Start creates the staging directory, connects the catalog and mounts.
func (a *Adapter) Start(ctx context.Context) error {
	cfg := a.config
	a.logger.Info("Starting iquestfs",
		"mount_point", a.mountPoint,
		"backend", cfg.Backend.Type,
		"cwd", cfg.Remote.Cwd,
		"indicator", cfg.Query.Indicator)

	if cfg.Query.ShowIndicator {
		a.logger.Warn("Query indicator is listed in directories; recursive listings (ls -R, find) will not terminate")
	}

	userName := remoteUser(cfg)
	dir, err := utils.ProcessDir(cfg.Staging.Dir, userName, a.options.PID)
	if err != nil {
		return &StartError{Phase: PhaseStaging, Err: err}
	}
	if err := os.MkdirAll(dir, 0770); err != nil {
		return &StartError{Phase: PhaseStaging, Err: fmt.Errorf("failed to create staging directory: %w", err)}
	}
	a.stagingDir = dir

	if err := a.startBridge(ctx, userName); err != nil {
		return err
	}

	if cfg.Remote.RequireConn {
		if err := a.bridge.Ping(ctx); err != nil {
			return &StartError{Phase: PhaseConnect, Err: fmt.Errorf("cannot reach catalog: %w", err)}
		}
		a.logger.Info("Catalog connection verified")
	}

	var maxWrite int64
	if cfg.Mount.MaxWrite != "" {
		if maxWrite, err = utils.ParseBytes(cfg.Mount.MaxWrite); err != nil {
			return &StartError{Phase: PhaseConfig, Err: fmt.Errorf("invalid max_write: %w", err)}
		}
	}
	opts := fuse.DefaultMountOptions()
	opts.ReadOnly = cfg.Mount.ReadOnly
	opts.AllowOther = cfg.Mount.AllowOther
	opts.Debug = cfg.Mount.DebugTrace
	opts.AttrTimeout = cfg.Mount.AttrTimeout
	opts.EntryTimeout = cfg.Mount.EntryTimeout
	if maxWrite > 0 {
		opts.MaxWrite = uint32(maxWrite)
	}

	a.host = a.options.NewHost(a.bridge, &fuse.MountConfig{MountPoint: a.mountPoint, Options: opts}, a.logger)
	if err := a.host.Mount(ctx); err != nil {
		return &StartError{Phase: PhaseMount, Err: err}
	}
	a.logger.Info("iquestfs started", "mount_point", a.mountPoint, "staging_dir", a.stagingDir)
	return nil
}

func (a *Adapter) startBridge(ctx context.Context, userName string) error {
	cfg := a.config

	dialer, err := a.newDialer(ctx)
	if err != nil {
		return &StartError{Phase: PhaseConfig, Err: err}
	}
	a.dialer = dialer

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Monitoring.Metrics.Port,
		Path:      cfg.Monitoring.Metrics.Path,
		Namespace: "iquestfs",
	}, a.logger)
	if err != nil {
		return &StartError{Phase: PhaseConfig, Err: err}
	}
	if err := collector.Start(ctx); err != nil {
		return &StartError{Phase: PhaseConfig, Err: err}
	}
	a.collector = collector

	fsCfg, err := BridgeConfig(cfg, userName, a.stagingDir)
	if err != nil {
		return &StartError{Phase: PhaseConfig, Err: err}
	}
	fsCfg.Logger = a.logger
	fsCfg.Recorder = collector
	fsCfg.Pool.Recorder = collector
	fsCfg.Cache.Recorder = collector

	bridge, err := filesystem.New(dialer, fsCfg)
	if err != nil {
		return &StartError{Phase: PhaseConfig, Err: err}
	}
	a.bridge = bridge
	return nil
}

func (a *Adapter) newDialer(ctx context.Context) (types.Dialer, error) {
	if a.options.Dialer != nil {
		return a.options.Dialer, nil
	}
	cfg := a.config
	switch cfg.Backend.Type {
	case "s3":
		s3cfg := s3.NewDefaultConfig()
		s3cfg.Bucket = cfg.Backend.S3.Bucket
		s3cfg.Region = cfg.Backend.S3.Region
		s3cfg.Endpoint = cfg.Backend.S3.Endpoint
		s3cfg.Profile = cfg.Backend.S3.Profile
		s3cfg.Prefix = cfg.Backend.S3.Prefix
		s3cfg.ForcePathStyle = cfg.Backend.S3.ForcePathStyle
		s3cfg.UseCargoship = cfg.Backend.S3.UseCargoship
		backend, err := s3.NewBackend(ctx, s3cfg, a.logger)
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		catalog := memory.NewCatalog()
		catalog.MkdirAll(cfg.Remote.Cwd)
		a.logger.Warn("Using the in-memory catalog; contents are lost on unmount")
		return catalog.Dialer(), nil
	}
}

// BridgeConfig maps the file configuration onto the bridge and its pool and cache.
func BridgeConfig(cfg *config.Configuration, userName, stagingDir string) (filesystem.Config, error) {
	remap, err := cfg.SlashRemapRune()
	if err != nil {
		return filesystem.Config{}, err
	}
	readMax, writeMax, err := cfg.StageLimits()
	if err != nil {
		return filesystem.Config{}, err
	}
	hash, err := cache.ParseHash(cfg.Cache.Hash)
	if err != nil {
		return filesystem.Config{}, err
	}

	return filesystem.Config{
		Pool: pool.Config{
			Endpoint: types.Endpoint{
				Host: cfg.Remote.Host,
				Port: cfg.Remote.Port,
				User: userName,
				Zone: cfg.Remote.Zone,
			},
			MaxConns:        cfg.Pool.MaxConns,
			HighWater:       cfg.Pool.HighWater,
			IdleTimeout:     cfg.Pool.IdleTimeout,
			ManagerInterval: cfg.Pool.ManagerInterval,
			WaitTimeout:     cfg.Pool.WaitTimeout,
		},
		Cache: cache.Config{
			Slots:          cfg.Cache.HashSlots,
			ExpireInterval: cfg.Cache.ExpireInterval,
			Hash:           hash,
		},
		MaxDescriptors: cfg.Pool.MaxDescriptors,
		RegistrySlots:  cfg.Staging.NewlyCreatedSlots,
		RegistryMaxAge: cfg.Staging.NewlyCreatedMaxAge,
		Indicator:      cfg.Query.Indicator,
		SlashRemap:     remap,
		Cwd:            cfg.Remote.Cwd,
		BaseQuery:      cfg.Query.Base,
		ShowIndicator:  cfg.Query.ShowIndicator,
		StagingDir:     stagingDir,
		ReadStageMax:   readMax,
		WriteStageMax:  writeMax,
	}, nil
}

// Wait blocks until the FUSE host stops serving.
func (a *Adapter) Wait() {
	if a.host != nil {
		a.host.Wait()
	}
}

// Stop unmounts, commits and releases open files, disconnects every connection and
// removes the staging directory. It is safe after a partial Start.
func (a *Adapter) Stop(ctx context.Context) error {
	a.logger.Info("Stopping iquestfs", "mount_point", a.mountPoint)

	var err error
	if a.host != nil && a.host.IsMounted() {
		err = multierr.Append(err, a.host.Unmount())
	}
	if a.bridge != nil {
		err = multierr.Append(err, a.bridge.Close(ctx))
	}
	if a.collector != nil {
		err = multierr.Append(err, a.collector.Stop(ctx))
	}
	if a.stagingDir != "" {
		err = multierr.Append(err, os.RemoveAll(a.stagingDir))
	}

	if err != nil {
		a.logger.Warn("iquestfs stopped with errors", "error", err)
		return err
	}
	a.logger.Info("iquestfs stopped")
	return nil
}

// StagingDir returns the per-process staging directory, empty before Start.
func (a *Adapter) StagingDir() string { return a.stagingDir }

// Bridge returns the operation handlers, nil before Start.
func (a *Adapter) Bridge() *filesystem.Bridge { return a.bridge }

// remoteUser is the configured catalog user, else the local login name.
func remoteUser(cfg *config.Configuration) string {
	if cfg.Remote.User != "" {
		return cfg.Remote.User
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return strings.ReplaceAll(u.Username, `\`, "_")
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "anonymous"
}

// ApplyStorageURI selects the backend from a URI: memory:// or s3://bucket[/prefix].
func ApplyStorageURI(cfg *config.Configuration, uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("failed to parse URI: %w", err)
	}

	switch parsed.Scheme {
	case "memory":
		cfg.Backend.Type = "memory"
	case "s3":
		if parsed.Host == "" {
			return fmt.Errorf("S3 URI must include bucket name")
		}
		cfg.Backend.Type = "s3"
		cfg.Backend.S3.Bucket = parsed.Host
		cfg.Backend.S3.Prefix = strings.Trim(parsed.Path, "/")
	default:
		return fmt.Errorf("unsupported storage scheme: %s (memory:// and s3:// supported)", parsed.Scheme)
	}
	return nil
}
