// Package crypto provides cryptographic operations for abus.
//
// Key hierarchy:
//   - A random 32-byte master key encrypts every archive object
//   - The master key is stored wrapped (AES-256-GCM) with a key derived from
//     the password via PBKDF2-HMAC-SHA256 (32-byte salt, 210,000 iterations)
//   - Changing the password only rewraps the master key
//
// Archive objects (content files, run manifests) are encrypted as a chunked
// stream: 64 KiB AES-256-GCM chunks with a counter nonce and a final-chunk
// flag in the additional data, so truncation and reordering are detected.
//
// Memory safety: derived keys, unwrapped master keys and passwords are zeroed
// with ClearBytes once the caller is done with them.
package crypto
