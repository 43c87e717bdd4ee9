// Package logger builds the process *slog.Logger from configuration.
//
//   - logger.go: handler selection (json, text) and the runtime level
//   - redact.go: masking of key material, passphrases and credentials
//
// Components never import this package; they accept a *slog.Logger and
// fall back to slog.Default().
package logger
