// Package store implements the in-memory key-value map and its
// append-only replication log (spec §3, §4.1).
package store

import (
	"sync"
	"time"

	"replikv/types"
)

// KVStore is the process-local map plus its replication log. All access
// is mediated by one mutex; it is never held across network I/O.
type KVStore struct {
	mu    sync.Mutex
	data  map[string]interface{}
	log   []types.ReplicationLogEntry
	start time.Time
}

// New returns an empty store.
func New() *KVStore {
	return &KVStore{
		data:  make(map[string]interface{}),
		start: time.Now(),
	}
}

// now returns a monotonic timestamp in fractional seconds since the
// store was created, per the ReplicationLogEntry.timestamp contract.
func (s *KVStore) now() float64 {
	return time.Since(s.start).Seconds()
}

// Set upserts key->value and appends a SET entry to the replication
// log. Always succeeds.
func (s *KVStore) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.log = append(s.log, types.ReplicationLogEntry{
		Timestamp: s.now(),
		Operation: types.OpSet,
		Key:       key,
		Value:     value,
	})
}

// Get returns the value stored under key, if any.
func (s *KVStore) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Delete removes key if present and appends a DELETE entry to the
// replication log. Returns whether the key existed.
func (s *KVStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return false
	}
	delete(s.data, key)
	s.log = append(s.log, types.ReplicationLogEntry{
		Timestamp: s.now(),
		Operation: types.OpDelete,
		Key:       key,
	})
	return true
}

// ApplyReplication performs a mutation received from a peer without
// re-appending it to the local log, preventing replication loops.
func (s *KVStore) ApplyReplication(op types.Operation, key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case types.OpSet:
		s.data[key] = value
	case types.OpDelete:
		delete(s.data, key)
	}
}

// Snapshot returns a consistent shallow copy of the entire map.
func (s *KVStore) Snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]interface{}, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Since returns the tail of the replication log strictly newer than
// sinceTimestamp, in append order, for SYNC and the debug /log route.
func (s *KVStore) Since(sinceTimestamp float64) []types.ReplicationLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ReplicationLogEntry
	for _, e := range s.log {
		if e.Timestamp > sinceTimestamp {
			out = append(out, e)
		}
	}
	return out
}

// ApplySince applies a batch of log entries in order, via
// ApplyReplication, used by a SECONDARY catching up from a SYNC
// response.
func (s *KVStore) ApplySince(entries []types.ReplicationLogEntry) {
	for _, e := range entries {
		s.ApplyReplication(e.Operation, e.Key, e.Value)
	}
}

// LastTimestamp returns the timestamp of the most recently appended
// log entry, or -1 if the log is empty. A catch-up SYNC uses this as
// its since_timestamp so it only pulls entries it doesn't have yet.
func (s *KVStore) LastTimestamp() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.log) == 0 {
		return -1
	}
	return s.log[len(s.log)-1].Timestamp
}
