// Package extract turns fetched HTML into typed record fragments using
// declarative rule tables.
package extract

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Transform converts raw selector output into a typed value. ok=false means
// the field is treated as missing.
type Transform func(raw string) (value any, ok bool)

// Rule describes how to obtain one field.
type Rule struct {
	Field    string
	Selector string // empty selects the scope itself
	Attr     string // empty reads text content
	Multi    bool   // collect every match instead of the first
	Required bool

	Transform Transform

	// Fallbacks are tried in order when the primary selector yields nothing.
	// Only their Selector, Attr and Transform are used; Multi is inherited
	// from the primary rule.
	Fallbacks []Rule

	// Group, when set, extracts a list of nested fragments, one per match.
	Group *Group
}

// Group extracts nested fragments such as cast rows or review cards.
type Group struct {
	Schema Schema
	Limit  int
	// Key names a field identifying an item. Later items with the same
	// non-empty key are dropped and do not count towards Limit.
	Key string
}

// Schema is a named rule table.
type Schema struct {
	Name  string
	Rules []Rule
}

// ContentError reports a required field that was absent or unparseable.
// It describes a page/schema mismatch and must not be retried.
type ContentError struct {
	Schema string
	Field  string
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("%s: required field %q missing", e.Schema, e.Field)
}

// Fragment is the typed output of one schema application.
type Fragment struct {
	Schema  string
	Values  map[string]any
	Groups  map[string][]*Fragment
	Dropped map[string]int // group items discarded for missing required fields
}

func newFragment(schema string) *Fragment {
	return &Fragment{
		Schema:  schema,
		Values:  make(map[string]any),
		Groups:  make(map[string][]*Fragment),
		Dropped: make(map[string]int),
	}
}

// ExtractHTML parses raw HTML and applies schema.
func ExtractHTML(raw []byte, schema Schema) (*Fragment, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	return Extract(doc.Selection, schema)
}

// Extract applies schema within scope. A missing required field returns a
// *ContentError and no fragment; missing optional fields are stored as nil.
func Extract(scope *goquery.Selection, schema Schema) (*Fragment, error) {
	frag := newFragment(schema.Name)

	for _, rule := range schema.Rules {
		if rule.Group != nil {
			items, dropped := extractGroup(scope, rule)
			if rule.Required && len(items) == 0 {
				return nil, &ContentError{Schema: schema.Name, Field: rule.Field}
			}
			frag.Groups[rule.Field] = items
			if dropped > 0 {
				frag.Dropped[rule.Field] = dropped
			}
			continue
		}

		value, ok := apply(scope, rule)
		for i := 0; !ok && i < len(rule.Fallbacks); i++ {
			fb := rule.Fallbacks[i]
			fb.Multi = rule.Multi
			value, ok = apply(scope, fb)
		}
		if !ok {
			if rule.Required {
				return nil, &ContentError{Schema: schema.Name, Field: rule.Field}
			}
			frag.Values[rule.Field] = nil
			continue
		}
		frag.Values[rule.Field] = value
	}

	return frag, nil
}

func extractGroup(scope *goquery.Selection, rule Rule) ([]*Fragment, int) {
	var items []*Fragment
	dropped := 0
	keys := make(map[string]struct{})

	scope.Find(rule.Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if rule.Group.Limit > 0 && len(items) >= rule.Group.Limit {
			return false
		}
		item, err := Extract(s, rule.Group.Schema)
		if err != nil {
			dropped++
			return true
		}
		if rule.Group.Key != "" {
			if k := item.StringValue(rule.Group.Key); k != "" {
				if _, dup := keys[k]; dup {
					return true
				}
				keys[k] = struct{}{}
			}
		}
		items = append(items, item)
		return true
	})

	return items, dropped
}

func apply(scope *goquery.Selection, rule Rule) (any, bool) {
	sel := scope
	if rule.Selector != "" {
		sel = scope.Find(rule.Selector)
	}
	if sel.Length() == 0 {
		return nil, false
	}

	transform := rule.Transform
	if transform == nil {
		transform = Text
	}

	if !rule.Multi {
		raw, ok := read(sel.First(), rule.Attr)
		if !ok {
			return nil, false
		}
		return transform(raw)
	}

	var values []any
	sel.Each(func(_ int, s *goquery.Selection) {
		raw, ok := read(s, rule.Attr)
		if !ok {
			return
		}
		if v, ok := transform(raw); ok {
			values = append(values, v)
		}
	})
	if len(values) == 0 {
		return nil, false
	}
	return values, true
}

func read(s *goquery.Selection, attr string) (string, bool) {
	if attr == "" {
		return s.Text(), true
	}
	return s.Attr(attr)
}

// String returns a string field or nil.
func (f *Fragment) String(field string) *string {
	if s, ok := f.Values[field].(string); ok {
		return &s
	}
	return nil
}

// StringValue returns a string field or "".
func (f *Fragment) StringValue(field string) string {
	if s := f.String(field); s != nil {
		return *s
	}
	return ""
}

// Int returns an integer field or nil.
func (f *Fragment) Int(field string) *int64 {
	switch v := f.Values[field].(type) {
	case int64:
		return &v
	case int:
		n := int64(v)
		return &n
	}
	return nil
}

// Float returns a float field or nil.
func (f *Fragment) Float(field string) *float64 {
	switch v := f.Values[field].(type) {
	case float64:
		return &v
	case int64:
		x := float64(v)
		return &x
	}
	return nil
}

// Bool returns a boolean field, false when absent.
func (f *Fragment) Bool(field string) bool {
	b, _ := f.Values[field].(bool)
	return b
}

// Strings returns a multi-valued string field.
func (f *Fragment) Strings(field string) []string {
	values, _ := f.Values[field].([]any)
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Group returns nested fragments for a group field.
func (f *Fragment) Group(field string) []*Fragment {
	return f.Groups[field]
}

// Missing lists optional fields that came back nil.
func (f *Fragment) Missing() []string {
	var missing []string
	for k, v := range f.Values {
		if v == nil {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}

// PageText returns the whitespace-collapsed text of the whole document,
// used by rules that match labels and amounts by pattern.
func PageText(doc *goquery.Document) string {
	return strings.Join(strings.Fields(doc.Find("body").Text()), " ")
}
