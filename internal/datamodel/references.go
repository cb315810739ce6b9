// SPDX-License-Identifier:Apache-2.0

package datamodel

import (
	"encoding/json"
	"sort"
)

// References reports the IDs an item depends on in another category.
type References func(*Item) []string

// Segment membership conditions use these properties; their value is a
// JSON-encoded array of segment IDs.
const (
	PropertyInSegment    = "User is in segment"
	PropertyNotInSegment = "User is not in segment"
)

type flagRules struct {
	Rules []struct {
		Conditions []struct {
			Property string `json:"property"`
			Value    string `json:"value"`
		} `json:"conditions"`
	} `json:"rules"`
}

// SegmentRefs returns the segment IDs referenced from the rules of a flag.
// Records that cannot be decoded reference nothing.
func SegmentRefs(it *Item) []string {
	if it == nil || len(it.Raw) == 0 {
		return nil
	}
	var f flagRules
	if err := json.Unmarshal(it.Raw, &f); err != nil {
		return nil
	}

	seen := map[string]bool{}
	for _, r := range f.Rules {
		for _, c := range r.Conditions {
			if c.Property != PropertyInSegment && c.Property != PropertyNotInSegment {
				continue
			}
			var ids []string
			if err := json.Unmarshal([]byte(c.Value), &ids); err != nil {
				continue
			}
			for _, id := range ids {
				seen[id] = true
			}
		}
	}

	ret := make([]string, 0, len(seen))
	for id := range seen {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}
