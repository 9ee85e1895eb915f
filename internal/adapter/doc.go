/*
Package adapter assembles one iquestfs mount from its configuration.

The adapter is the only place that knows about every subsystem:

	┌─────────────────────────────────────────────┐
	│          cmd/iquestfs (cobra CLI)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              ADAPTER LAYER                  │ ← This Package
	│  staging dir · backend · metrics · mount    │
	└─────────────────────────────────────────────┘
	        │            │            │
	┌───────┴─────┐ ┌────┴─────┐ ┌────┴──────┐
	│ storage/... │ │filesystem│ │   fuse    │
	│ memory · s3 │ │  Bridge  │ │  host     │
	└─────────────┘ └──────────┘ └───────────┘

# Lifecycle

New validates the configuration. Start then runs, in order:

 1. create the per-process staging directory <staging.dir>/<user>.<pid> (0770)
 2. build the catalog dialer (memory or s3) and the metrics collector
 3. build the filesystem.Bridge, wiring the collector into pool, cache and handlers
 4. when remote.require_conn is set, acquire and release one connection
 5. mount through the platform FUSE host

Stop undoes all of it: unmount, commit newly created files, disconnect every pooled
connection, stop the metrics endpoint and remove the staging directory.

# Exit codes

Start failures are *StartError values tagged with the phase that failed; ExitCode maps
them onto process statuses:

	1  configuration or environment
	3  staging directory
	4  required connection
	5  mount
*/
package adapter
