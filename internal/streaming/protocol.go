// SPDX-License-Identifier:Apache-2.0

package streaming

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/flagsync/flagsync/internal/datamodel"
)

// Close codes sent by this client. Codes in 4000-4999 are reserved for
// applications by RFC 6455.
const (
	// CloseNormal ends the session for good.
	CloseNormal = 1000
	// CloseDataApplyFailed asks for a fresh connection and resync after
	// the local store could not apply received data.
	CloseDataApplyFailed = 4001
	// CloseRequestInvalid is sent by the service when it rejects the
	// connection request, for instance because of a bad secret.
	CloseRequestInvalid = 4003
)

// ProtocolVersion is sent on the connection URL.
const ProtocolVersion = "2"

const (
	msgPing     = "ping"
	msgDataSync = "data-sync"

	eventFull  = "full"
	eventPatch = "patch"
)

type message struct {
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type syncRequest struct {
	Timestamp int64 `json:"timestamp"`
}

type syncData struct {
	EventType    string            `json:"eventType"`
	FeatureFlags []*datamodel.Item `json:"featureFlags"`
	Segments     []*datamodel.Item `json:"segments"`
}

// DataError means the service sent something that cannot be decoded.
// Reconnecting would only receive it again.
type DataError struct {
	Err error
}

func (e *DataError) Error() string { return "invalid data: " + e.Err.Error() }

func (e *DataError) Unwrap() error { return e.Err }

func decodeMessage(b []byte) (*message, error) {
	var m message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &DataError{Err: errors.Wrap(err, "decoding message")}
	}
	if m.MessageType == "" {
		return nil, &DataError{Err: errors.New("message without messageType")}
	}
	return &m, nil
}

func decodeSyncData(raw json.RawMessage) (*syncData, error) {
	if len(raw) == 0 {
		return nil, &DataError{Err: errors.New("data-sync message without data")}
	}
	var d syncData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, &DataError{Err: errors.Wrap(err, "decoding data-sync payload")}
	}
	for _, it := range d.FeatureFlags {
		if it == nil {
			return nil, &DataError{Err: errors.New("null feature flag record")}
		}
		it.Type = datamodel.Features.Tag
	}
	for _, it := range d.Segments {
		if it == nil {
			return nil, &DataError{Err: errors.New("null segment record")}
		}
		it.Type = datamodel.Segments.Tag
	}
	return &d, nil
}

// batch groups the records by category.
func (d *syncData) batch() map[datamodel.Category][]*datamodel.Item {
	return map[datamodel.Category][]*datamodel.Item{
		datamodel.Features: d.FeatureFlags,
		datamodel.Segments: d.Segments,
	}
}

func (d *syncData) len() int {
	return len(d.FeatureFlags) + len(d.Segments)
}

// snapshot is the full-sync view of a batch. Every known category is
// present so that a full sync also empties categories.
func snapshot(batch map[datamodel.Category][]*datamodel.Item) datamodel.Snapshot {
	snap := datamodel.Snapshot{}
	for _, cat := range datamodel.Categories {
		items := map[string]*datamodel.Item{}
		for _, it := range batch[cat] {
			if old, ok := items[it.ID]; ok && old.Timestamp > it.Timestamp {
				continue
			}
			items[it.ID] = it
		}
		snap[cat] = items
	}
	return snap
}

type patchEntry struct {
	cat  datamodel.Category
	item *datamodel.Item
}

// patchOrder flattens a batch and sorts it by item timestamp, so that an
// item delivered out of order never overwrites a newer one.
func patchOrder(batch map[datamodel.Category][]*datamodel.Item) []patchEntry {
	ret := []patchEntry{}
	for _, cat := range datamodel.Categories {
		for _, it := range batch[cat] {
			ret = append(ret, patchEntry{cat: cat, item: it})
		}
	}
	sort.SliceStable(ret, func(i, j int) bool {
		return ret[i].item.Timestamp < ret[j].item.Timestamp
	})
	return ret
}

func encode(m interface{}) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// Only fixed, known-good shapes are encoded.
		panic(err)
	}
	return b
}

func resumeMessage(version int64) []byte {
	return encode(message{
		MessageType: msgDataSync,
		Data:        encode(syncRequest{Timestamp: version}),
	})
}

var pingMessage = encode(message{MessageType: msgPing})
