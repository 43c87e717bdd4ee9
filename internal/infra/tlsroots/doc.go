// Package tlsroots builds client TLS configurations for network host
// stores.
//
// Trust anchors come from the system pool plus any CA file or directory
// named in the configuration. A client certificate pair enables mutual
// TLS.
package tlsroots
