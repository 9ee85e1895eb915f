package filesystem

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/iquestfs/internal/cache"
	"github.com/objectfs/iquestfs/internal/descriptor"
	"github.com/objectfs/iquestfs/internal/pool"
	"github.com/objectfs/iquestfs/internal/query"
	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

// Defaults.
const (
	DefaultIndicator     = "Q"
	DefaultSlashRemap    = '\\'
	DefaultReadStageMax  = 1 << 20
	DefaultWriteStageMax = 4 << 20
)

// Config configures a Bridge.
type Config struct {
	Pool  pool.Config
	Cache cache.Config

	MaxDescriptors int
	RegistrySlots  int
	RegistryMaxAge time.Duration

	Indicator     string
	SlashRemap    rune
	Cwd           string
	BaseQuery     string
	ShowIndicator bool

	// StagingDir holds this process's staging files.
	StagingDir    string
	ReadStageMax  int64
	WriteStageMax int64

	Now      func() time.Time
	Logger   *slog.Logger
	Recorder Recorder
}

// Bridge owns all mount state: connection pool, path cache, descriptor table and
// newly-created registry. Every handler runs against it; nothing is process-global,
// so independent mounts or tests each build their own.
type Bridge struct {
	pool     *pool.Pool
	cache    *cache.PathCache
	table    *descriptor.Table
	registry *descriptor.Registry
	parser   *query.Parser
	runner   *query.Runner
	flight   singleflight.Group

	showIndicator bool
	stagingDir    string
	readStageMax  int64
	writeStageMax int64

	now      func() time.Time
	logger   *slog.Logger
	recorder Recorder
}

var _ FileSystem = (*Bridge)(nil)

// New creates a Bridge talking to the catalog reachable through dialer.
func New(dialer types.Dialer, cfg Config) (*Bridge, error) {
	if cfg.Indicator == "" {
		cfg.Indicator = DefaultIndicator
	}
	if cfg.SlashRemap == 0 {
		cfg.SlashRemap = DefaultSlashRemap
	}
	if cfg.ReadStageMax <= 0 {
		cfg.ReadStageMax = DefaultReadStageMax
	}
	if cfg.WriteStageMax <= 0 {
		cfg.WriteStageMax = DefaultWriteStageMax
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base, err := query.ParseBase(cfg.BaseQuery)
	if err != nil {
		return nil, err
	}

	if cfg.Pool.Logger == nil {
		cfg.Pool.Logger = cfg.Logger
	}
	if cfg.Cache.Logger == nil {
		cfg.Cache.Logger = cfg.Logger
	}
	if cfg.Cache.Now == nil {
		cfg.Cache.Now = cfg.Now
	}

	table := descriptor.NewTable(cfg.MaxDescriptors)
	p := pool.New(dialer, cfg.Pool)
	p.SetReferenceChecks(table.References, table.ConnFor)

	return &Bridge{
		pool:          p,
		cache:         cache.New(cfg.Cache),
		table:         table,
		registry:      descriptor.NewRegistry(cfg.RegistrySlots, cfg.RegistryMaxAge, cfg.Now),
		parser:        query.NewParser(cfg.Indicator, cfg.SlashRemap, cfg.Cwd),
		runner:        query.NewRunner(p, base),
		showIndicator: cfg.ShowIndicator,
		stagingDir:    cfg.StagingDir,
		readStageMax:  cfg.ReadStageMax,
		writeStageMax: cfg.WriteStageMax,
		now:           cfg.Now,
		logger:        cfg.Logger,
		recorder:      cfg.Recorder,
	}, nil
}

// Pool returns the connection pool.
func (b *Bridge) Pool() *pool.Pool { return b.pool }

// Cache returns the path cache.
func (b *Bridge) Cache() *cache.PathCache { return b.cache }

// Ping acquires and releases one connection, proving the catalog is reachable.
func (b *Bridge) Ping(ctx context.Context) error {
	c, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	b.pool.Release(c)
	return nil
}

// Close commits pending newly created files, releases every open descriptor and
// disconnects the pool.
func (b *Bridge) Close(ctx context.Context) error {
	var err error
	for _, idx := range b.registry.Drain() {
		err = multierr.Append(err, b.release(ctx, idx))
	}
	for _, idx := range b.table.Open() {
		err = multierr.Append(err, b.release(ctx, idx))
	}
	err = multierr.Append(err, b.pool.Close())
	b.cache.Purge()
	return err
}

// observe records an operation's latency and outcome.
func (b *Bridge) observe(op string, start time.Time, err *error) {
	if b.recorder != nil {
		b.recorder.RecordOperation(op, time.Since(start), *err)
	}
	if *err != nil && !errors.IsNotFound(*err) {
		b.logger.Debug("Filesystem operation failed", "op", op, "error", *err)
	}
}

// plainPath maps a query-free filesystem path to its catalog path. Paths inside a
// query are read-only views.
func (b *Bridge) plainPath(op, path string) (string, error) {
	parsed := b.parser.Parse(path)
	switch parsed.Mode {
	case query.ModeNone:
		return parsed.Collection, nil
	case query.ModeMalformed:
		return "", errors.NewError(errors.ErrCodeInvalidPath, "malformed path").
			WithComponent("filesystem").WithOperation(op).WithPath(path)
	default:
		return "", errors.NewError(errors.ErrCodeNotSupported, "query paths are read-only").
			WithComponent("filesystem").WithOperation(op).WithPath(path)
	}
}

// objectPath maps a path naming a data object, either directly or as a query
// result, to its catalog path.
func (b *Bridge) objectPath(op, path string) (string, error) {
	parsed := b.parser.Parse(path)
	switch {
	case parsed.Mode == query.ModeNone:
		return parsed.Collection, nil
	case parsed.Mode == query.ModeComplete && parsed.PostPath != "":
		return parsed.ObjectPath(), nil
	case parsed.Mode == query.ModeMalformed:
		return "", errors.NewError(errors.ErrCodeInvalidPath, "malformed path").
			WithComponent("filesystem").WithOperation(op).WithPath(path)
	default:
		return "", errors.NewError(errors.ErrCodeIsDirectory, "query directory").
			WithComponent("filesystem").WithOperation(op).WithPath(path)
	}
}

func notFound(op, path string) error {
	return errors.NewError(errors.ErrCodeNotFound, "no such file or directory").
		WithComponent("filesystem").WithOperation(op).WithPath(path)
}

func badDescriptor(op string, fd FD) error {
	return errors.Newf(errors.ErrCodeBadDescriptor, "descriptor %d not usable", int(fd)).
		WithComponent("filesystem").WithOperation(op)
}

func writable(flags int) bool {
	return flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// openFlags strips the creation flags that must not be repeated when a handle is reopened.
func openFlags(flags int) int {
	return flags &^ (os.O_CREATE | os.O_EXCL | os.O_TRUNC)
}
