/*
Package cache implements the path cache: two hashed, time-bounded tables mapping filesystem
paths to synthesized attributes.

The positive table records paths known to exist, optionally with a local staging file. The
negative table records paths confirmed absent so that repeated lookups of a missing name
never reach the remote catalog. A path is never present in both tables at once: inserting
into one removes the path from the other.

# Layout

	PathCache (one mutex)
	  ├── positive: [NumHashSlots]bucket
	  └── negative: [NumHashSlots]bucket

	bucket = btree ordered by insertion sequence (oldest first)

Bucket index is the byte sum of the path modulo the slot count; CityHash32 can be selected
instead. Collisions are resolved by a linear scan of the bucket.

# Expiry

Every lookup first sweeps its bucket from the oldest end, dropping entries whose age has
reached the expire interval and stopping at the first live one. Insertion order equals age
order, so a sweep never skips an expired entry or removes a live one. Refresh moves an entry
to the young end with a new timestamp.

# Staging files

Removing or expiring an entry with a read staging file unlinks the file. Write staging files
belong to the descriptor that is filling them and are left on disk; the descriptor commits
and cleans them up on close.
*/
package cache
