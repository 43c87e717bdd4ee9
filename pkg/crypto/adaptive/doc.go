// Package adaptive provides the AEAD primitives used by keepstore.
//
// Supported algorithms:
//
//   - AES-256-GCM: preferred when the platform accelerates AES
//   - ChaCha20-Poly1305: fallback elsewhere
//
// Every Encrypt call draws a fresh random nonce and returns
// nonce||ciphertext||tag, so equal plaintexts never produce equal output.
// Keys can be exported to a printable "<type>:<base64>" form for
// persistence and imported back.
//
// Usage:
//
//	key, err := adaptive.GenerateKey(adaptive.Preferred())
//	c, err := key.Cipher()
//	sealed, err := c.Encrypt(plaintext, aad)
//	plaintext, err := c.Decrypt(sealed, aad)
package adaptive
