package extract

import (
	"regexp"
	"strconv"
	"strings"
)

var yearPattern = regexp.MustCompile(`\b(18|19|20)\d{2}\b`)

// Text collapses whitespace. Empty text counts as missing.
func Text(raw string) (any, bool) {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return nil, false
	}
	return s, true
}

// Present reports true whenever the selector matched, whatever the text.
func Present(string) (any, bool) { return true, true }

// Year returns the first plausible four digit year in the text.
func Year(raw string) (any, bool) {
	m := yearPattern.FindString(raw)
	if m == "" {
		return nil, false
	}
	n, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return nil, false
	}
	return n, true
}

// Float parses a locale formatted decimal number.
func Float(locale string) Transform {
	return func(raw string) (any, bool) {
		v := ParseNumber(raw, locale)
		if v == nil {
			return nil, false
		}
		return *v, true
	}
}

// Int parses a locale formatted whole number, rounding any fraction.
func Int(locale string) Transform {
	return func(raw string) (any, bool) {
		v := ParseNumber(raw, locale)
		if v == nil {
			return nil, false
		}
		return roundInt64(*v)
	}
}

// Money parses a currency amount into whole units.
func Money(locale string) Transform {
	return func(raw string) (any, bool) {
		v := ParseMoney(raw, locale)
		if v == nil {
			return nil, false
		}
		return *v, true
	}
}

// Match returns the first capture group of pattern, or the whole match when
// the pattern has no groups.
func Match(pattern string) Transform {
	re := regexp.MustCompile(pattern)
	return func(raw string) (any, bool) {
		m := re.FindStringSubmatch(raw)
		if m == nil {
			return nil, false
		}
		if len(m) > 1 {
			return strings.TrimSpace(m[1]), m[1] != ""
		}
		return m[0], true
	}
}

// Chain feeds the string output of each transform into the next.
func Chain(transforms ...Transform) Transform {
	return func(raw string) (any, bool) {
		var value any = raw
		for _, t := range transforms {
			s, ok := value.(string)
			if !ok {
				return nil, false
			}
			value, ok = t(s)
			if !ok {
				return nil, false
			}
		}
		return value, true
	}
}

// AtLeast rejects integer values below min. Used as a sanity bound on
// figures such as budgets where small matches are page noise.
func AtLeast(t Transform, min int64) Transform {
	return func(raw string) (any, bool) {
		v, ok := t(raw)
		if !ok {
			return nil, false
		}
		if n, isInt := v.(int64); isInt && n < min {
			return nil, false
		}
		return v, true
	}
}
