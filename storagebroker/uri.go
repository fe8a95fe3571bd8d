package storagebroker

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// NormalizeURI turns user-supplied dataset locations into canonical URIs.
// Bare filesystem paths (absolute or relative) become file URIs; URIs with
// a scheme pass through with trailing slashes trimmed from the path.
func NormalizeURI(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty URI")
	}
	if !strings.Contains(raw, "://") {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return "", fmt.Errorf("resolving path %q: %w", raw, err)
		}
		return "file://" + abs, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing URI %q: %w", raw, err)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// ParseURI normalizes raw and parses the result.
func ParseURI(raw string) (*url.URL, error) {
	normalized, err := NormalizeURI(raw)
	if err != nil {
		return nil, err
	}
	return url.Parse(normalized)
}
