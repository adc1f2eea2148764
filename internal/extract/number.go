package extract

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Locale describes how a source formats numbers.
type Locale struct {
	Decimal rune
	Group   []rune
}

var locales = map[string]Locale{
	"en": {Decimal: '.', Group: []rune{','}},
	"nl": {Decimal: ',', Group: []rune{'.'}},
	"de": {Decimal: ',', Group: []rune{'.'}},
	"es": {Decimal: ',', Group: []rune{'.'}},
	"it": {Decimal: ',', Group: []rune{'.'}},
	"pt": {Decimal: ',', Group: []rune{'.'}},
	"fr": {Decimal: ',', Group: []rune{' ', '\u00a0', '\u202f'}},
}

// LookupLocale resolves a tag such as "en-US" or "nl_NL" by its language
// part. Unknown tags fall back to English formatting.
func LookupLocale(tag string) Locale {
	lang := strings.ToLower(tag)
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	if l, ok := locales[lang]; ok {
		return l
	}
	return locales["en"]
}

// ParseNumber parses a human formatted number such as "1,234.5", "1.234,5",
// "$2.5M" or "8.1". Grouping must be well formed (groups of three digits
// after the first). It returns nil instead of an error when the text is not
// a number, so callers can store a null.
func ParseNumber(s, localeTag string) *float64 {
	loc := LookupLocale(localeTag)

	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "−") {
		negative = true
		s = strings.TrimLeft(s, "-−")
	}

	// "US$ 1,000", "EUR 1.000", "1.000 EUR"
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.Is(unicode.Sc, r) || unicode.IsSpace(r)
	})
	if i := strings.LastIndexFunc(s, unicode.IsSpace); i >= 0 && isCurrencyCode(s[i+1:]) {
		s = s[:i]
	}
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.Is(unicode.Sc, r) || unicode.IsSpace(r)
	})
	if s == "" {
		return nil
	}

	multiplier := 1.0
	switch s[len(s)-1] {
	case 'k', 'K':
		multiplier = 1e3
	case 'm', 'M':
		multiplier = 1e6
	case 'b', 'B':
		multiplier = 1e9
	}
	if multiplier != 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}

	intPart, fracPart, hasFrac := strings.Cut(s, string(loc.Decimal))
	if hasFrac && !allDigits(fracPart) {
		return nil
	}

	digits, ok := ungroup(intPart, loc.Group)
	if !ok {
		return nil
	}

	normalized := digits
	if hasFrac {
		normalized += "." + fracPart
	}
	v, err := strconv.ParseFloat(normalized, 64)
	if err != nil || math.IsInf(v, 0) {
		return nil
	}

	v *= multiplier
	if negative {
		v = -v
	}
	return &v
}

// ParseMoney parses a currency amount into whole units, e.g. "$25,000,000".
// Amounts outside the int64 range yield nil.
func ParseMoney(s, localeTag string) *int64 {
	v := ParseNumber(s, localeTag)
	if v == nil {
		return nil
	}
	n, ok := roundInt64(*v)
	if !ok {
		return nil
	}
	return &n
}

// roundInt64 rounds v to the nearest integer when it fits in an int64.
func roundInt64(v float64) (int64, bool) {
	r := math.Round(v)
	if math.IsNaN(r) || math.Abs(r) >= math.MaxInt64 {
		return 0, false
	}
	return int64(r), true
}

// ungroup removes group separators after checking that every group but the
// first has exactly three digits.
func ungroup(s string, group []rune) (string, bool) {
	var chunks []string
	start := 0
	for i, r := range s {
		if isGroupSep(r, group) {
			chunks = append(chunks, s[start:i])
			start = i + len(string(r))
		}
	}
	chunks = append(chunks, s[start:])

	for i, c := range chunks {
		if !allDigits(c) {
			return "", false
		}
		if len(chunks) == 1 {
			break
		}
		if i == 0 && len(c) > 3 {
			return "", false
		}
		if i > 0 && len(c) != 3 {
			return "", false
		}
	}
	return strings.Join(chunks, ""), true
}

func isGroupSep(r rune, group []rune) bool {
	for _, g := range group {
		if r == g {
			return true
		}
	}
	return false
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
