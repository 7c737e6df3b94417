package routing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsafePath is returned for request paths whose segments an upstream could
// resolve differently from the gateway: dot segments, empty segments, and
// percent-encoded separators.
var ErrUnsafePath = errors.New("unsafe request path")

type segmentKind int

const (
	segmentLiteral segmentKind = iota
	segmentParam
	segmentCatchAll
)

type segment struct {
	kind  segmentKind
	value string
}

// pattern is a compiled path template such as /accounts/{id} or /insights/*.
type pattern struct {
	raw      string
	segments []segment
	literals int
	params   int
	catchAll bool
}

func compilePattern(raw string) (pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return pattern{}, fmt.Errorf("path %q must start with /", raw)
	}

	p := pattern{raw: raw}
	parts := splitPath(raw)
	for i, part := range parts {
		switch {
		case part == "*":
			if i != len(parts)-1 {
				return pattern{}, fmt.Errorf("path %q: * is only allowed as the last segment", raw)
			}
			p.segments = append(p.segments, segment{kind: segmentCatchAll})
			p.catchAll = true
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := strings.TrimSpace(part[1 : len(part)-1])
			if name == "" {
				return pattern{}, fmt.Errorf("path %q: empty parameter name", raw)
			}
			p.segments = append(p.segments, segment{kind: segmentParam, value: name})
			p.params++
		case strings.ContainsAny(part, "{}*"):
			return pattern{}, fmt.Errorf("path %q: invalid segment %q", raw, part)
		default:
			p.segments = append(p.segments, segment{kind: segmentLiteral, value: part})
			p.literals++
		}
	}
	return p, nil
}

// wildcards counts parameter and catch-all segments.
func (p pattern) wildcards() int {
	if p.catchAll {
		return p.params + 1
	}
	return p.params
}

// rank orders patterns by specificity. Lower ranks win.
type rank struct {
	wildcards int
	catchAll  bool
	literals  int
}

func (p pattern) rank() rank {
	return rank{wildcards: p.wildcards(), catchAll: p.catchAll, literals: p.literals}
}

func (r rank) less(o rank) bool {
	if r.wildcards != o.wildcards {
		return r.wildcards < o.wildcards
	}
	if r.catchAll != o.catchAll {
		return !r.catchAll
	}
	return r.literals > o.literals
}

// match reports whether the split request path matches the pattern.
func (p pattern) match(parts []string) bool {
	for i, seg := range p.segments {
		if seg.kind == segmentCatchAll {
			// Catch-all needs at least one remaining segment.
			return len(parts) > i
		}
		if i >= len(parts) {
			return false
		}
		if seg.kind == segmentLiteral && seg.value != parts[i] {
			return false
		}
	}
	return len(parts) == len(p.segments)
}

// overlaps reports whether some concrete path matches both patterns.
func (p pattern) overlaps(o pattern) bool {
	a, b := p.segments, o.segments
	for i := 0; ; i++ {
		aDone, bDone := i >= len(a), i >= len(b)
		switch {
		case aDone && bDone:
			return true
		case aDone:
			return false
		case bDone:
			return false
		}
		if a[i].kind == segmentCatchAll || b[i].kind == segmentCatchAll {
			return true
		}
		if a[i].kind == segmentLiteral && b[i].kind == segmentLiteral && a[i].value != b[i].value {
			return false
		}
	}
}

// CheckPath rejects request paths that must not be routed. decoded is the
// request's URL.Path and escaped its EscapedPath; both forms are checked so an
// encoded "%2e%2e" or "%2F" cannot hide a traversal.
func CheckPath(decoded, escaped string) error {
	if !safeSegments(splitPath(decoded)) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, escaped)
	}
	lower := strings.ToLower(escaped)
	if strings.Contains(lower, "%2f") || strings.Contains(lower, "%5c") || strings.Contains(decoded, "\\") {
		return fmt.Errorf("%w: %q", ErrUnsafePath, escaped)
	}
	return nil
}

func safeSegments(parts []string) bool {
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
