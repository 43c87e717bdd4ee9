// Package bootstrap assembles a keepstore instance from configuration:
// logger, host store, metrics and storage engine, plus an optional
// configuration watcher that retunes the live engine.
//
// Each Open returns an independent Handle. There is no process-wide
// instance; embedders keep the Handle and close it on shutdown.
package bootstrap
