/*
Package s3 serves the remote catalog from an S3 bucket, so iquestfs can mount without an
iRODS-style server.

# Layout

Catalog paths map onto keys under an optional prefix:

	/                      -> <prefix>/
	/zone/home             -> <prefix>/zone/home/       (empty marker object)
	/zone/home/report.csv  -> <prefix>/zone/home/report.csv

A collection exists when its marker exists or when any key lives beneath it. Mkdir writes
the marker; Rmdir deletes it once nothing else remains under the prefix.

# Metadata

Object user metadata carries what the catalog needs beyond bytes:

	x-amz-meta-mode         octal permission bits
	x-amz-meta-avu-<attr>   attribute values, comma separated

Query lists every key under the collection and reads each object's metadata with
HeadObject. S3 lower-cases metadata keys, so attribute names are case-insensitive.

# Sessions

Backend implements types.Dialer. Sessions are cheap: they share one client and keep a
local handle table. Reads use ranged GetObject; the first write loads the object and the
buffer is uploaded on Close. Rename is CopyObject followed by DeleteObject, key by key for
collections, and is therefore not atomic.

Put uploads staged files through the cargoship transporter when UseCargoship is set,
falling back to PutObject if the transporter fails.

# Errors

translateError maps SDK errors onto pkg/errors codes: missing keys become NotFound,
credential failures become Auth errors and throttling or timeouts become transport errors
that the connection pool retries after reconnecting.
*/
package s3
