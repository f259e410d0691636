package relational

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MaxPartLength bounds each sanitized name part, keeping generated table
// names well under common identifier limits (63 bytes on PostgreSQL).
const MaxPartLength = 20

// hashedStem is how much of a shortened part survives before its hash.
const hashedStem = MaxPartLength - 9

// Namer builds table names from a prefix and name parts.
type Namer struct {
	prefix string
}

// NewNamer returns a Namer; an empty prefix adds nothing.
func NewNamer(prefix string) Namer {
	return Namer{prefix: sanitizePart(prefix)}
}

// Table joins the sanitized parts with underscores.
func (n Namer) Table(parts ...string) string {
	clean := make([]string, 0, len(parts)+1)
	if n.prefix != "" {
		clean = append(clean, n.prefix)
	}
	for _, p := range parts {
		clean = append(clean, sanitizePart(p))
	}
	return strings.Join(clean, "_")
}

// sanitizePart maps a part onto [a-z0-9_]{1,MaxPartLength}. A part that is
// already in that form is kept verbatim; anything else is shortened and
// suffixed with a hash of the original so distinct inputs stay distinct.
func sanitizePart(part string) string {
	if part == "" {
		return ""
	}

	var b strings.Builder
	for _, r := range strings.ToLower(part) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	clean := b.String()
	if clean == part && len(clean) <= MaxPartLength {
		return clean
	}

	if len(clean) > hashedStem {
		clean = clean[:hashedStem]
	}
	return fmt.Sprintf("%s_%08x", clean, uint32(xxhash.Sum64String(part)))
}
