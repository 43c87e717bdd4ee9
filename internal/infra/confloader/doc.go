// Package confloader loads keepstore configuration with koanf and watches
// the configuration file for changes.
//
// Priority (highest to lowest):
//
//  1. Maps loaded with LoadMap (tests and embedders)
//  2. Environment variables (KEEPSTORE_ prefix)
//  3. The YAML configuration file
//  4. Values already present in the target struct
//
// Environment variables separate sections with a double underscore, so
// field names keep their single underscores:
//
//	KEEPSTORE_CACHE__MAX_SIZE=500      -> cache.max_size
//	KEEPSTORE_HOST__REDIS__ADDR=h:6379 -> host.redis.addr
package confloader
