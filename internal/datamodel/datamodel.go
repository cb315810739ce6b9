// SPDX-License-Identifier:Apache-2.0

// Package datamodel defines the versioned records replicated from the
// flag service: feature flags and user segments.
package datamodel

import (
	"encoding/json"
	"fmt"
)

// Category is a named partition of the store.
type Category struct {
	Name string
	Tag  string
}

func (c Category) String() string { return c.Name }

var (
	Features = Category{Name: "featureFlags", Tag: "ff"}
	Segments = Category{Name: "segments", Tag: "seg"}
)

// Categories lists every category the synchronizer knows about.
var Categories = []Category{Features, Segments}

// Item is one versioned record. Archived items are tombstones: they keep
// their slot so that older writes for the same ID are still rejected, but
// readers never see them.
type Item struct {
	ID        string
	Timestamp int64
	Archived  bool
	// Type is the Tag of the category the item belongs to.
	Type string
	// Raw is the record as received, for the evaluator.
	Raw json.RawMessage
}

type itemHeader struct {
	ID         string `json:"id"`
	Timestamp  int64  `json:"timestamp"`
	IsArchived bool   `json:"isArchived"`
}

// UnmarshalJSON decodes the fields the synchronizer relies on and keeps
// the whole record in Raw.
func (i *Item) UnmarshalJSON(b []byte) error {
	var h itemHeader
	if err := json.Unmarshal(b, &h); err != nil {
		return err
	}
	if h.ID == "" {
		return fmt.Errorf("record without id")
	}
	i.ID = h.ID
	i.Timestamp = h.Timestamp
	i.Archived = h.IsArchived
	i.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// MarshalJSON returns Raw when present so records round-trip unchanged.
func (i *Item) MarshalJSON() ([]byte, error) {
	if len(i.Raw) > 0 {
		return i.Raw, nil
	}
	return json.Marshal(itemHeader{ID: i.ID, Timestamp: i.Timestamp, IsArchived: i.Archived})
}

// Snapshot is the full contents of a store, category by category.
type Snapshot map[Category]map[string]*Item

// MaxTimestamp returns the largest item timestamp in s, or 0 if s is empty.
func (s Snapshot) MaxTimestamp() int64 {
	var max int64
	for _, items := range s {
		for _, it := range items {
			if it != nil && it.Timestamp > max {
				max = it.Timestamp
			}
		}
	}
	return max
}

// Len is the number of items across all categories.
func (s Snapshot) Len() int {
	n := 0
	for _, items := range s {
		n += len(items)
	}
	return n
}
