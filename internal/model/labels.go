package model

import (
	"encoding/json"
	"sort"

	"gorm.io/datatypes"
)

// Gmail system labels mirrored into conversation state
const (
	LabelInbox   = "INBOX"
	LabelSpam    = "SPAM"
	LabelTrash   = "TRASH"
	LabelStarred = "STARRED"
	LabelUnread  = "UNREAD"
)

// Labels marking mail written by the mailbox owner
const (
	LabelSent  = "SENT"
	LabelDraft = "DRAFT"
)

// LabelSet is a sorted set of provider label ids
type LabelSet []string

// NewLabelSet builds a sorted, de-duplicated set
func NewLabelSet(labels ...string) LabelSet {
	seen := make(map[string]struct{}, len(labels))
	out := make(LabelSet, 0, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Has reports whether label is in the set
func (s LabelSet) Has(label string) bool {
	i := sort.SearchStrings(s, label)
	return i < len(s) && s[i] == label
}

// Union returns s ∪ other
func (s LabelSet) Union(other ...string) LabelSet {
	return NewLabelSet(append(append([]string{}, s...), other...)...)
}

// Apply adds and removes labels in one step
func (s LabelSet) Apply(add, remove []string) LabelSet {
	drop := make(map[string]struct{}, len(remove))
	for _, l := range remove {
		drop[l] = struct{}{}
	}
	kept := make([]string, 0, len(s)+len(add))
	for _, l := range s {
		if _, ok := drop[l]; !ok {
			kept = append(kept, l)
		}
	}
	return NewLabelSet(append(kept, add...)...)
}

// JSON encodes the set for a datatypes.JSON column
func (s LabelSet) JSON() datatypes.JSON {
	if s == nil {
		s = LabelSet{}
	}
	b, _ := json.Marshal([]string(s))
	return datatypes.JSON(b)
}

// DecodeLabels reads a label set from a JSON column. Unreadable values
// decode as the empty set.
func DecodeLabels(raw datatypes.JSON) LabelSet {
	if len(raw) == 0 {
		return LabelSet{}
	}
	var labels []string
	if err := json.Unmarshal(raw, &labels); err != nil {
		return LabelSet{}
	}
	return NewLabelSet(labels...)
}

// StringsJSON encodes a plain string list
func StringsJSON(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return datatypes.JSON(b)
}
