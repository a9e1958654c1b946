package spec

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"meshforge/internal/canonical"
)

// MaxAssetIDLength bounds every derived asset identifier.
const MaxAssetIDLength = 64

const generatedHashLength = 12

// AssetID derives the stable identifier for a spec: the explicit asset id,
// then metadata["slug"], then "{intent}_{sha256(description)[:12]}".
func AssetID(s GenerationSpec) string {
	if id := Slugify(s.AssetID, MaxAssetIDLength); id != "" {
		return id
	}
	if slug, ok := s.Metadata["slug"].(string); ok {
		if id := Slugify(slug, MaxAssetIDLength); id != "" {
			return id
		}
	}
	digest := canonical.HashString(strings.TrimSpace(s.Description))[:generatedHashLength]
	intent := Slugify(string(s.Intent), MaxAssetIDLength-generatedHashLength-1)
	if intent == "" {
		intent = "asset"
	}
	return intent + "_" + digest
}

// Slugify folds value to lowercase ASCII, keeping [a-z0-9_-] and replacing
// every other run of characters with a single underscore.
func Slugify(value string, limit int) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), value)
	if err != nil {
		folded = value
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	out := strings.Trim(b.String(), "_-")
	if limit > 0 && len(out) > limit {
		out = strings.TrimRight(out[:limit], "_-")
	}
	return out
}
