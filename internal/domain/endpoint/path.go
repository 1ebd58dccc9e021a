// Package endpoint models registered routes: a normalized path pattern, an
// HTTP verb, a visibility class and the per-actor access log.
package endpoint

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned when a path pattern fails to parse.
var ErrInvalidPath = errors.New("invalid path")

const (
	separator = "/"
	wildcard  = "*"
)

type segmentKind uint8

const (
	segmentLiteral segmentKind = iota
	segmentWildcard
	segmentParam
)

type segment struct {
	kind  segmentKind
	value string // literal text or parameter name
}

// Path is an immutable, normalized route pattern.
//
// A "*" segment matches exactly one path segment and ":name" matches exactly
// one non-empty segment, capturing it as name. Literal segments compare
// case-sensitively. There is no prefix or cross-segment matching.
type Path struct {
	raw      string
	segments []segment
}

// ParsePath validates and normalizes raw. Duplicate separators collapse and
// a trailing separator is dropped, except for the root path.
func ParsePath(raw string) (Path, error) {
	if raw == "" {
		return Path{}, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if !strings.HasPrefix(raw, separator) {
		return Path{}, fmt.Errorf("%w: %q must start with %q", ErrInvalidPath, raw, separator)
	}
	for _, r := range raw {
		if !allowedRune(r) {
			return Path{}, fmt.Errorf("%w: %q contains disallowed character %q", ErrInvalidPath, raw, r)
		}
	}

	parts := split(raw)
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		switch {
		case p == wildcard:
			segs = append(segs, segment{kind: segmentWildcard})
		case strings.HasPrefix(p, ":"):
			name := p[1:]
			if name == "" || strings.ContainsAny(name, ":*") {
				return Path{}, fmt.Errorf("%w: %q has malformed parameter %q", ErrInvalidPath, raw, p)
			}
			segs = append(segs, segment{kind: segmentParam, value: name})
		case strings.Contains(p, wildcard):
			return Path{}, fmt.Errorf("%w: %q has a partial wildcard segment %q", ErrInvalidPath, raw, p)
		default:
			segs = append(segs, segment{kind: segmentLiteral, value: p})
		}
	}

	return Path{raw: separator + strings.Join(parts, separator), segments: segs}, nil
}

// MustParsePath is ParsePath that panics on error. Intended for tests and
// static tables.
func MustParsePath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func allowedRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("/_-.~:*", r)
}

// split returns the non-empty segments of p.
func split(p string) []string {
	fields := strings.Split(p, separator)
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// NormalizePath applies the same normalization as ParsePath without
// validating the character set. Used on inbound request paths.
func NormalizePath(p string) string {
	return separator + strings.Join(split(p), separator)
}

// String returns the normalized pattern.
func (p Path) String() string {
	return p.raw
}

// IsZero reports whether p is the zero Path.
func (p Path) IsZero() bool {
	return p.raw == ""
}

// Equal compares normalized strings.
func (p Path) Equal(other Path) bool {
	return p.raw == other.raw
}

// IsPattern reports whether p has a wildcard or parameter segment.
func (p Path) IsPattern() bool {
	for _, s := range p.segments {
		if s.kind != segmentLiteral {
			return true
		}
	}
	return false
}

// Matches reports whether candidate matches the pattern.
func (p Path) Matches(candidate string) bool {
	_, ok := p.match(candidate)
	return ok
}

// Params returns the named parameter captures for candidate, or false when
// it does not match.
func (p Path) Params(candidate string) (map[string]string, bool) {
	return p.match(candidate)
}

func (p Path) match(candidate string) (map[string]string, bool) {
	if p.raw == "" {
		return nil, false
	}
	parts := split(candidate)
	if len(parts) != len(p.segments) {
		return nil, false
	}
	var params map[string]string
	for i, s := range p.segments {
		switch s.kind {
		case segmentLiteral:
			if parts[i] != s.value {
				return nil, false
			}
		case segmentParam:
			if params == nil {
				params = make(map[string]string)
			}
			params[s.value] = parts[i]
		}
	}
	return params, true
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.raw), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(b []byte) error {
	parsed, err := ParsePath(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
