package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/objectfs/iquestfs/internal/adapter"
	"github.com/objectfs/iquestfs/internal/config"
)

const shutdownTimeout = 30 * time.Second

var mountFlags struct {
	storage       string
	backend       string
	query         string
	cwd           string
	indicator     string
	slashRemap    string
	requireConn   bool
	noRequireConn bool
	showIndicator bool
	debug         bool
	debugTrace    bool
	foreground    bool
	allowOther    bool
	readOnly      bool
	logFile       string
}

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "Mount the catalog",
	Long: `Mount the remote catalog at <mountpoint>.

By default iquestfs detaches and serves in the background. Use --foreground to stay
attached, for debugging or under a process supervisor.

Examples:
  # Mount the in-memory catalog in the foreground
  iquestfs mount --foreground /mnt/catalog

  # Mount an S3 bucket, using "@" as the query directory
  iquestfs mount --storage s3://my-bucket/catalog --indicator @ /mnt/catalog

  # Restrict every query to objects tagged project=alpha
  iquestfs mount --query 'project=alpha' /mnt/catalog

Exit status:
  1  configuration or environment error
  3  staging directory could not be created
  4  --require-conn set and the catalog is unreachable
  5  mount failed`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

func init() {
	f := mountCmd.Flags()
	f.StringVar(&mountFlags.storage, "storage", "", "catalog URI: memory:// or s3://bucket[/prefix]")
	f.StringVar(&mountFlags.backend, "backend", "", "catalog backend (memory|s3)")
	f.StringVar(&mountFlags.query, "query", "", "base query: attr=value pairs separated by ';'")
	f.StringVar(&mountFlags.cwd, "cwd", "", "remote collection shown at the mount root")
	f.StringVar(&mountFlags.indicator, "indicator", "", "directory name that starts a query (default \"Q\")")
	f.StringVar(&mountFlags.slashRemap, "slash-remap", "", "character shown in place of '/' in query values")
	f.BoolVar(&mountFlags.requireConn, "require-conn", false, "fail unless the catalog is reachable at startup")
	f.BoolVar(&mountFlags.noRequireConn, "no-require-conn", false, "mount even if the catalog is unreachable")
	f.BoolVar(&mountFlags.showIndicator, "show-indicator", false, "list the query indicator in directories")
	f.BoolVar(&mountFlags.debug, "debug", false, "log at debug level")
	f.BoolVar(&mountFlags.debugTrace, "debug-trace", false, "log at debug level and trace FUSE requests")
	f.BoolVarP(&mountFlags.foreground, "foreground", "f", false, "stay in the foreground")
	f.BoolVar(&mountFlags.allowOther, "allow-other", false, "allow other users to access the mount")
	f.BoolVar(&mountFlags.readOnly, "read-only", false, "mount read-only")
	f.StringVar(&mountFlags.logFile, "log-file", "", "log file (default: stderr)")

	mountCmd.MarkFlagsMutuallyExclusive("require-conn", "no-require-conn")
	mountCmd.MarkFlagsMutuallyExclusive("storage", "backend")
}

// applyMountFlags overrides file and environment settings with the flags the user set.
func applyMountFlags(cmd *cobra.Command, cfg *config.Configuration) error {
	f := cmd.Flags()
	if f.Changed("storage") {
		if err := adapter.ApplyStorageURI(cfg, mountFlags.storage); err != nil {
			return err
		}
	}
	if f.Changed("backend") {
		cfg.Backend.Type = mountFlags.backend
	}
	if f.Changed("query") {
		cfg.Query.Base = mountFlags.query
	}
	if f.Changed("cwd") {
		cfg.Remote.Cwd = mountFlags.cwd
	}
	if f.Changed("indicator") {
		cfg.Query.Indicator = mountFlags.indicator
	}
	if f.Changed("slash-remap") {
		cfg.Query.SlashRemap = mountFlags.slashRemap
	}
	if f.Changed("require-conn") {
		cfg.Remote.RequireConn = mountFlags.requireConn
	}
	if f.Changed("no-require-conn") {
		cfg.Remote.RequireConn = !mountFlags.noRequireConn
	}
	if f.Changed("show-indicator") {
		cfg.Query.ShowIndicator = mountFlags.showIndicator
	}
	if mountFlags.debug || mountFlags.debugTrace {
		cfg.Logging.Level = "DEBUG"
	}
	if f.Changed("debug-trace") {
		cfg.Mount.DebugTrace = mountFlags.debugTrace
	}
	if f.Changed("foreground") {
		cfg.Mount.Foreground = mountFlags.foreground
	}
	if f.Changed("allow-other") {
		cfg.Mount.AllowOther = mountFlags.allowOther
	}
	if f.Changed("read-only") {
		cfg.Mount.ReadOnly = mountFlags.readOnly
	}
	if f.Changed("log-file") {
		cfg.Logging.File = mountFlags.logFile
	}
	return cfg.Validate()
}

func runMount(cmd *cobra.Command, args []string) error {
	mountPoint := args[0]

	cfg, source, err := loadConfig(GetConfigFile())
	if err != nil {
		return err
	}
	if err := applyMountFlags(cmd, cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if !cfg.Mount.Foreground {
		return startDaemon(cfg)
	}

	logger, closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger.Info("Configuration loaded", "source", source, "version", Version)

	a, err := adapter.New(mountPoint, cfg, adapter.Options{Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.Stop(shutdownCtx)
		return err
	}

	served := make(chan struct{})
	go func() {
		a.Wait()
		close(served)
	}()

	logger.Info("Serving. Press Ctrl+C to unmount.")
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, unmounting")
	case <-served:
		logger.Info("Filesystem unmounted externally")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Stop(shutdownCtx)
}
