// Package archive manages the on-disk abus archive.
//
// Layout, relative to the archive root:
//   - archive.json: plaintext format descriptor (KDF salt, wrapped master key)
//   - runs/<run>.lst: encrypted manifest of each backup run
//   - content/<NNNN>/<digest>: zstd-compressed, encrypted file contents named
//     by the SHA-256 of the plaintext, at most max_files_per_dir per directory
//   - tmp/: staging area; every write is a temp file renamed into place
//
// The archive is self-describing: the index database can always be rebuilt
// from it with ScanLocations and the run manifests.
package archive
