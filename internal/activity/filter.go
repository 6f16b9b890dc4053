package activity

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// Filter selects feed items. Zero fields match everything.
type Filter struct {
	// Search is matched case-insensitively against message, id, address
	// and value.
	Search string

	Types []Type

	// Tags must all be present on an item, looked up in TagMap by item id.
	Tags   []string
	TagMap map[string][]string

	// From and To bound the timestamp, both inclusive.
	From time.Time
	To   time.Time

	TxType TxType

	// Transfer restricts to transfers (true) or non-transfers (false).
	Transfer *bool

	// IncludeHidden keeps items whose transaction no longer exists.
	IncludeHidden bool
}

// Match reports whether it passes f.
func (f Filter) Match(it Item) bool {
	if !f.IncludeHidden && !it.Exists {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, it.Type) {
		return false
	}
	if f.TxType != "" && it.TxType != f.TxType {
		return false
	}
	if f.Transfer != nil && it.IsTransfer != *f.Transfer {
		return false
	}
	if !f.From.IsZero() && it.Timestamp < f.From.UnixMilli() {
		return false
	}
	if !f.To.IsZero() && it.Timestamp > f.To.UnixMilli() {
		return false
	}
	if len(f.Tags) > 0 {
		have := f.TagMap[it.ID]
		for _, tag := range f.Tags {
			if !slices.Contains(have, tag) {
				return false
			}
		}
	}
	if f.Search != "" && !matchesSearch(it, strings.ToLower(f.Search)) {
		return false
	}
	return true
}

func matchesSearch(it Item, q string) bool {
	for _, field := range []string{it.Message, it.ID, it.Address, strconv.FormatInt(it.Value, 10)} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// Apply returns the items of items that pass f, in their original order.
func (f Filter) Apply(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if f.Match(it) {
			out = append(out, it)
		}
	}
	return out
}
