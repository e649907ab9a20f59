// Package index provides the bbolt database that caches what an archive holds.
//
// Database structure uses four buckets:
//   - config: schema version, timestamps and the id of the archive the index belongs to
//   - locations: content digest to the archive directory holding the content file
//   - runs: run name to a JSON RunInfo summary
//   - content: one nested bucket per run mapping path to a JSON manifest.Entry
//
// Nothing in the index is secret beyond what file names already reveal, so it
// is stored unencrypted and status and ls work without a password. The index
// is a cache: the archive alone is enough to rebuild it.
package index
