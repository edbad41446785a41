package response

import (
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var unsafeChars = strings.NewReplacer("<", "", ">", "", `"`, "", "'", "", "`", "", ";", "")

// sanitizeQuery returns a cleaned copy of q. Parameters whose name is empty
// after cleaning are dropped.
func (c Config) sanitizeQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for name, values := range q {
		name = c.sanitizeValue(name)
		if name == "" {
			continue
		}
		for _, v := range values {
			out[name] = append(out[name], c.sanitizeValue(v))
		}
	}
	return out
}

func (c Config) sanitizeValue(v string) string {
	v = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, v)
	v = strings.TrimSpace(unsafeChars.Replace(v))

	if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) {
		if clamped := math.Max(-c.NumericBound, math.Min(c.NumericBound, f)); clamped != f {
			return strconv.FormatFloat(clamped, 'f', -1, 64)
		}
		return v
	}

	if utf8.RuneCountInString(v) > c.MaxParamLength {
		v = string([]rune(v)[:c.MaxParamLength])
	}
	return v
}

// normalizeQuery renders q with names sorted, so parameter order never
// changes a cache key.
func normalizeQuery(q url.Values) string {
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		for _, v := range q[name] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// intParam reads a positive integer parameter, falling back to def.
func intParam(q url.Values, name string, def int) int {
	n, err := strconv.Atoi(q.Get(name))
	if err != nil || n < 1 {
		return def
	}
	return n
}
