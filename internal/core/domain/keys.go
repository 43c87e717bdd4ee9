package domain

import "strings"

// ReservedPrefix marks engine-owned keys. Callers may not write them and
// they never appear in backups, domain listings or migration scans.
const ReservedPrefix = "__keepstore_"

// Well-known domains used by consumers of the engine.
const (
	DomainPlaylist   = "playlist"
	DomainCollection = "collection"
	DomainSettings   = "settings"
	DomainAnalytics  = "analytics"
)

// IsReserved reports whether key belongs to the engine-owned namespace.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, ReservedPrefix)
}

// ReservedKey returns the engine-owned key for name.
func ReservedKey(name string) string {
	return ReservedPrefix + name
}

// ValidateKey rejects empty and reserved keys.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey.WithDetails("key is empty")
	}
	if IsReserved(key) {
		return ErrInvalidKey.WithDetails("key " + key + " is in the reserved namespace")
	}
	return nil
}

// DomainOf returns the domain of a prefixed key: the part before the first
// underscore. Keys without an underscore have no domain.
func DomainOf(key string) (string, bool) {
	if IsReserved(key) {
		return "", false
	}
	i := strings.IndexByte(key, '_')
	if i <= 0 {
		return "", false
	}
	return key[:i], true
}

// Key builds a prefixed key such as "playlist_42".
func Key(domain, id string) string {
	return domain + "_" + id
}
