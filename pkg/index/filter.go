package index

import (
	"fmt"
	"strings"
)

// Filter restricts chunks by metadata. A nil Filter matches everything.
type Filter interface {
	Match(md Metadata) bool
	Validate() error
	String() string
}

type equalsFilter struct {
	field string
	value string
}

type notEqualsFilter struct {
	field string
	value string
}

type andFilter struct {
	filters []Filter
}

// Equals matches chunks whose field equals value. Null fields compare as "".
func Equals(field, value string) Filter {
	return equalsFilter{field: field, value: value}
}

// NotEquals matches chunks whose field is null or differs from value.
func NotEquals(field, value string) Filter {
	return notEqualsFilter{field: field, value: value}
}

// And matches chunks that satisfy every filter. Nil entries are ignored.
func And(filters ...Filter) Filter {
	kept := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			kept = append(kept, f)
		}
	}
	return andFilter{filters: kept}
}

func (f equalsFilter) Match(md Metadata) bool {
	v, err := md.Value(f.field)
	return err == nil && v == f.value
}

func (f equalsFilter) Validate() error {
	_, err := Metadata{}.Value(f.field)
	return err
}

func (f equalsFilter) String() string {
	return fmt.Sprintf("%s = %q", f.field, f.value)
}

func (f notEqualsFilter) Match(md Metadata) bool {
	v, err := md.Value(f.field)
	return err == nil && v != f.value
}

func (f notEqualsFilter) Validate() error {
	_, err := Metadata{}.Value(f.field)
	return err
}

func (f notEqualsFilter) String() string {
	return fmt.Sprintf("%s != %q", f.field, f.value)
}

func (f andFilter) Match(md Metadata) bool {
	for _, sub := range f.filters {
		if !sub.Match(md) {
			return false
		}
	}
	return true
}

func (f andFilter) Validate() error {
	for _, sub := range f.filters {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (f andFilter) String() string {
	parts := make([]string, len(f.filters))
	for i, sub := range f.filters {
		parts[i] = sub.String()
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

func validateFilter(f Filter) error {
	if f == nil {
		return nil
	}
	return f.Validate()
}

func matches(f Filter, md Metadata) bool {
	return f == nil || f.Match(md)
}
