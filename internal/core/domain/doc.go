// Package domain defines the core domain vocabulary for keepstore.
//
// It contains no IO. It holds:
//
//   - Errors: the coded error taxonomy shared by every storage component
//   - Keys: the reserved engine namespace and domain-prefixed key helpers
//
// Error codes group into families (ENC, CRY, CMP, REC, HST, MIG, BAK, KEY)
// so callers can branch on a whole class with helpers like IsHostStoreError.
package domain
