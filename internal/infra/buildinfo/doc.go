// Package buildinfo reports the version of the running keepstore build.
//
// Release builds inject the version through ldflags:
//
//	go build -ldflags "-X github.com/yndnr/keepstore/internal/infra/buildinfo.Version=v1.2.0 \
//	  -X github.com/yndnr/keepstore/internal/infra/buildinfo.Commit=abc123"
//
// Unset values fall back to the module build information embedded by the
// Go toolchain.
package buildinfo
