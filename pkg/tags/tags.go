// Package tags canonicalizes free-text classification tags.
//
// A normalized tag is lowercase, at most MaxLength characters and drawn from
// [a-z0-9_=.$%&#@+*]. Whitespace and runs of underscores collapse to a single
// underscore; anything else outside the alphabet is stripped.
package tags

import (
	"regexp"
	"sort"
	"strings"
)

// MaxLength is the longest tag kept after normalization.
const MaxLength = 16

var (
	whitespace  = regexp.MustCompile(`\s+`)
	disallowed  = regexp.MustCompile(`[^a-z0-9_=.$%&#@+*]`)
	underscores = regexp.MustCompile(`_{2,}`)
)

// Normalize returns the canonical form of raw, or "" when nothing survives.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = whitespace.ReplaceAllString(s, "_")
	s = disallowed.ReplaceAllString(s, "")
	s = underscores.ReplaceAllString(s, "_")
	if len(s) > MaxLength {
		s = s[:MaxLength]
	}
	return s
}

// Set is a sorted, duplicate-free collection of normalized tags.
type Set []string

// NewSet normalizes raw and drops empties and duplicates.
func NewSet(raw ...string) Set {
	return Set(nil).With(raw...)
}

// With returns a new set holding s plus the normalized raw tags.
func (s Set) With(raw ...string) Set {
	seen := make(map[string]struct{}, len(s)+len(raw))
	out := make(Set, 0, len(s)+len(raw))
	add := func(tag string) {
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	for _, tag := range s {
		add(Normalize(tag))
	}
	for _, tag := range raw {
		add(Normalize(tag))
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Contains reports whether tag, once normalized, is in the set.
func (s Set) Contains(tag string) bool {
	tag = Normalize(tag)
	i := sort.SearchStrings(s, tag)
	return i < len(s) && s[i] == tag
}

// ContainsAll reports whether every tag of other is in s. An empty other is
// always contained.
func (s Set) ContainsAll(other Set) bool {
	for _, tag := range other {
		if !s.Contains(tag) {
			return false
		}
	}
	return true
}

// Equal reports whether both sets hold the same tags.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a set with its own backing array; nil stays nil.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	return append(make(Set, 0, len(s)), s...)
}

// Strings returns a copy of the tags.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}
