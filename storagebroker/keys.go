package storagebroker

import "strings"

// ValidKey reports whether key conforms to broker key rules: relative,
// slash separated, no empty, dot or dot-dot segments, no backslashes.
// Spaces and other printable characters are fine; item relpaths come from
// user filenames.
func ValidKey(key string) bool {
	if key == "" || strings.Contains(key, "\\") {
		return false
	}
	for _, segment := range strings.Split(key, "/") {
		switch segment {
		case "", ".", "..":
			return false
		}
	}
	return true
}

// ValidPrefix reports whether prefix is usable with List: empty for the
// dataset root, or a valid key with a trailing slash.
func ValidPrefix(prefix string) bool {
	if prefix == "" {
		return true
	}
	return strings.HasSuffix(prefix, "/") && ValidKey(strings.TrimSuffix(prefix, "/"))
}
