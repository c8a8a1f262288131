package flow

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// PlaceholderCutoff is the minimum similarity for a fuzzy placeholder match.
const PlaceholderCutoff = 0.6

var placeholderPattern = regexp.MustCompile(`\[([^\[\]]+)\]`)

// Personalize replaces every [Field Name] placeholder in template with the
// matching value from lookup. The key is the lower-cased name with spaces
// turned into underscores; when no key matches exactly the most similar key
// above PlaceholderCutoff is used. Unmatched placeholders are left as is.
func Personalize(template string, lookup map[string]any) string {
	if len(lookup) == 0 {
		return template
	}
	keys := make([]string, 0, len(lookup))
	normalized := make(map[string]string, len(lookup))
	for k := range lookup {
		nk := PlaceholderKey(k)
		prev, ok := normalized[nk]
		if !ok {
			keys = append(keys, nk)
		}
		if !ok || k > prev {
			normalized[nk] = k
		}
	}
	sort.Strings(keys)

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := PlaceholderKey(match[1 : len(match)-1])
		if orig, ok := normalized[name]; ok {
			return FormatValue(lookup[orig])
		}
		if best, ok := closestKey(name, keys); ok {
			return FormatValue(lookup[normalized[best]])
		}
		return match
	})
}

// PlaceholderKey lower-cases name and joins its words with underscores.
func PlaceholderKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "_")
}

// closestKey returns the key with the highest similarity ratio to name.
// keys must be sorted; ties go to the lexicographically greatest key.
func closestKey(name string, keys []string) (string, bool) {
	best, bestRatio := "", 0.0
	a := strings.Split(name, "")
	for _, k := range keys {
		m := difflib.NewMatcher(a, strings.Split(k, ""))
		r := m.Ratio()
		if r >= PlaceholderCutoff && r >= bestRatio {
			best, bestRatio = k, r
		}
	}
	return best, best != ""
}

// FormatValue renders an attribute for display. Floats drop trailing zeros.
func FormatValue(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}
