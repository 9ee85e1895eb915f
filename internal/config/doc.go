/*
Package config loads iquestfs configuration from compiled-in defaults, a YAML file,
IQUESTFS_* environment variables and command-line flags, in increasing precedence.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	// flags are applied by cmd/iquestfs
	if err := cfg.Validate(); err != nil {
		return err
	}

# Sections

	remote:      host, port, user, zone, cwd, require_conn
	query:       base, indicator, slash_remap, show_indicator
	pool:        max_conns, high_water, idle_timeout, manager_interval, wait_timeout, max_descriptors
	cache:       expire_interval, hash_slots, hash (sum | cityhash)
	staging:     dir, read_stage_max, write_stage_max, newly_created_slots, newly_created_max_age
	mount:       allow_other, read_only, foreground, debug_trace, max_write, attr_timeout, entry_timeout
	monitoring:  metrics.enabled, metrics.port, metrics.path
	logging:     level, file, max_size, max_backups, compress
	backend:     type (memory | s3), s3.bucket, s3.region, s3.endpoint, s3.prefix, s3.use_cargoship

Byte sizes accept suffixes such as "1MB" or "512K" and are parsed with utils.ParseBytes.

# Validation

Validate runs go-playground/validator struct tags, then cross-field rules: high_water may not
exceed max_conns, slash_remap must be exactly one character other than "/", staging sizes must
parse, and the s3 backend needs a bucket.

# Environment

	IQUESTFS_HOST, IQUESTFS_PORT, IQUESTFS_USER, IQUESTFS_ZONE, IQUESTFS_CWD, IQUESTFS_REQUIRE_CONN
	IQUESTFS_QUERY, IQUESTFS_INDICATOR, IQUESTFS_SLASH_REMAP, IQUESTFS_SHOW_INDICATOR
	IQUESTFS_MAX_CONNS, IQUESTFS_HIGH_WATER, IQUESTFS_IDLE_TIMEOUT, IQUESTFS_WAIT_TIMEOUT
	IQUESTFS_CACHE_EXPIRE, IQUESTFS_CACHE_HASH
	IQUESTFS_STAGING_DIR, IQUESTFS_READ_STAGE_MAX, IQUESTFS_WRITE_STAGE_MAX
	IQUESTFS_LOG_LEVEL, IQUESTFS_LOG_FILE, IQUESTFS_METRICS_ENABLED, IQUESTFS_METRICS_PORT
	IQUESTFS_BACKEND, IQUESTFS_S3_BUCKET, IQUESTFS_S3_REGION, IQUESTFS_S3_ENDPOINT,
	IQUESTFS_S3_USE_CARGOSHIP

A malformed numeric, boolean or duration value is an error rather than being ignored.
*/
package config
