// SPDX-License-Identifier:Apache-2.0

// Package changes works out which flags are affected by a batch of
// updated items and tells subscribers about them.
package changes

import (
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/flagsync/flagsync/internal/broadcast"
	"github.com/flagsync/flagsync/internal/datamodel"
)

// Event says that the definition behind Key may have changed. Subscribers
// read the store to get the new value.
type Event struct {
	Key string
}

// Reader is the part of the store the notifier needs.
type Reader interface {
	GetAll(cat datamodel.Category) map[string]*datamodel.Item
}

// Notifier maps updated items to the primary-category keys they affect.
type Notifier struct {
	logger     log.Logger
	reader     Reader
	primary    datamodel.Category
	referenced datamodel.Category
	refs       datamodel.References
	events     *broadcast.Broadcaster[Event]
}

// New returns a Notifier. Items of the primary category notify their own
// ID; items of the referenced category notify every primary item whose
// refs contain their ID.
func New(l log.Logger, r Reader, primary, referenced datamodel.Category, refs datamodel.References, events *broadcast.Broadcaster[Event]) *Notifier {
	if refs == nil {
		refs = func(*datamodel.Item) []string { return nil }
	}
	return &Notifier{
		logger:     l,
		reader:     r,
		primary:    primary,
		referenced: referenced,
		refs:       refs,
		events:     events,
	}
}

// Notify broadcasts one Event per affected key and returns the keys.
// Broadcasting does not wait for subscribers.
func (n *Notifier) Notify(batch map[datamodel.Category][]*datamodel.Item) []string {
	keys := n.AffectedKeys(batch)
	for _, k := range keys {
		n.events.Broadcast(Event{Key: k})
	}
	if len(keys) > 0 {
		level.Debug(n.logger).Log("event", "flagsChanged", "keys", len(keys), "msg", "notified flag changes")
	}
	return keys
}

// AffectedKeys returns the sorted, de-duplicated keys affected by batch.
func (n *Notifier) AffectedKeys(batch map[datamodel.Category][]*datamodel.Item) []string {
	affected := map[string]bool{}
	for _, it := range batch[n.primary] {
		if it != nil {
			affected[it.ID] = true
		}
	}

	changed := map[string]bool{}
	for _, it := range batch[n.referenced] {
		if it != nil {
			changed[it.ID] = true
		}
	}
	if len(changed) > 0 {
		for id, it := range n.reader.GetAll(n.primary) {
			if affected[id] {
				continue
			}
			for _, ref := range n.refs(it) {
				if changed[ref] {
					affected[id] = true
					break
				}
			}
		}
	}

	keys := make([]string, 0, len(affected))
	for k := range affected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
