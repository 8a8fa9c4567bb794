package store

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectedPath is the reserved pseudo-path reporting the local connection state
const ConnectedPath = ".info/connected"

var ErrInvalidPath = errors.New("invalid path")

// splitPath normalizes a slash separated path into its segments.
// The empty path and "/" address the root.
func splitPath(p string) ([]string, error) {
	raw := strings.Split(p, "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		if strings.ContainsAny(s, ".#$[]") {
			return nil, fmt.Errorf("%w: segment %q in %q", ErrInvalidPath, s, p)
		}
		segs = append(segs, s)
	}
	return segs, nil
}

// ValidatePath reports whether p is a usable tree path
func ValidatePath(p string) error {
	_, err := splitPath(p)
	return err
}

// JoinPath joins segments with the tree separator
func JoinPath(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('/')
		}
		b.WriteString(p)
	}
	return b.String()
}

// related reports whether a write at w is visible to a listener at l:
// one must be a prefix of the other.
func related(l, w []string) bool {
	n := len(l)
	if len(w) < n {
		n = len(w)
	}
	for i := 0; i < n; i++ {
		if l[i] != w[i] {
			return false
		}
	}
	return true
}

func isPrefix(prefix, p []string) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if prefix[i] != p[i] {
			return false
		}
	}
	return true
}
