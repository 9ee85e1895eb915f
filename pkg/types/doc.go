/*
Package types defines the boundary between the iquestfs core and the remote catalog, plus the
value types shared across packages.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│         FUSE host (internal/fuse)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   Operation handlers (internal/filesystem)  │
	│  query parser · path cache · descriptors    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│     Connection pool (internal/pool)         │
	└─────────────────────────────────────────────┘
	                      │  Dialer / Session
	┌─────────────────────────────────────────────┐
	│   Catalog backends (internal/storage/...)   │
	└─────────────────────────────────────────────┘

A Session is a single remote connection. Its request/response stream is not safe for
concurrent use; the pool serializes access with a per-connection lock. Sessions return
*errors.Error values so that errors.IsTransport can decide whether a failed call may be
retried after reconnecting.

Collections are directory-like containers, data objects are file-like entries, and each data
object carries attribute/value metadata that Query searches.
*/
package types
