// Package core provides the abus archive operations.
//
// Core operations include:
//   - Init: Create a new archive and its index
//   - Backup: Snapshot the configured include paths into a new run
//   - Restore: Write the files of a run back, with conflict resolution
//   - Rebuild: Recreate the index from the archive (ScanLocations,
//     ReconcileLocations, ReplayContent)
//   - Verify, Purge: Check the archive and drop old runs with their content
//   - ListRuns, ListFiles, History, DiffRuns, DiffLocal: Read the index
//
// Conflict resolution during restore supports multiple strategies:
//   - Keep local version
//   - Use archived version (overwrite)
//   - Edit merged (opens $EDITOR with git-style conflict markers)
//   - Keep both (saves archived version as .from-archive)
package core
