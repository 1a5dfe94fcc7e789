package signal

import (
	"fmt"
	"strings"
)

// SplitPath returns the segments of p. Leading and trailing slashes are
// ignored; empty, "." and ".." segments are rejected.
func SplitPath(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, nil
	}
	segs := strings.Split(p, "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return segs, nil
}

// Join builds a path from parts, skipping empty ones.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Related reports whether one path is an ancestor of (or equal to) the other.
func Related(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinSegs(segs []string) string { return strings.Join(segs, "/") }
