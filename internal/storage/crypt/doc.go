// Package crypt implements the two encryption codecs of the storage engine.
//
// Codec wraps the install-scoped key. The key is generated once, persisted
// in exported form under a reserved host-store key, and reloaded on every
// start. It encrypts regular records.
//
// PassphraseCodec derives a key from a user passphrase and a per-blob random
// salt using Argon2id. It is only used for backup export and import, never
// for regular records. The sealed layout is self-describing:
//
//	[format:1][time:4][memoryKiB:4][threads:1][salt:16][nonce||ciphertext]
//
// so blobs sealed with different cost parameters remain openable.
package crypt
