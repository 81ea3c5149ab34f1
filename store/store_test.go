package store

import (
	"encoding/json"
	"reflect"
	"testing"

	"replikv/types"
)

func TestSetGetDelete(t *testing.T) {
	s := New()

	if _, ok := s.Get("missing"); ok {
		t.Fatalf("expected missing key to be absent")
	}

	s.Set("k1", "v1")
	v, ok := s.Get("k1")
	if !ok || v != "v1" {
		t.Fatalf("Get(k1) = %v, %v; want v1, true", v, ok)
	}

	if !s.Delete("k1") {
		t.Fatalf("Delete(k1) should report the key existed")
	}
	if s.Delete("k1") {
		t.Fatalf("second Delete(k1) should report absence")
	}
}

// TestJSONRoundTrip is P6: GET(SET(k,v))=v byte-exact after
// re-serialization for scalars, arrays, and objects.
func TestJSONRoundTrip(t *testing.T) {
	cases := []interface{}{
		"a string",
		42.0,
		true,
		nil,
		[]interface{}{1.0, "two", false, nil},
		map[string]interface{}{"name": "Alice", "age": 30.0, "tags": []interface{}{"a", "b"}},
	}

	s := New()
	for i, v := range cases {
		key := "key"
		s.Set(key, v)
		got, ok := s.Get(key)
		if !ok {
			t.Fatalf("case %d: key missing after Set", i)
		}
		wantBytes, _ := json.Marshal(v)
		gotBytes, _ := json.Marshal(got)
		if string(wantBytes) != string(gotBytes) {
			t.Fatalf("case %d: round trip mismatch: want %s, got %s", i, wantBytes, gotBytes)
		}
	}
}

// TestReplicationLogCoupling is P2: every successful local SET/DELETE
// appends exactly one matching ReplicationLogEntry.
func TestReplicationLogCoupling(t *testing.T) {
	s := New()
	s.Set("a", 1.0)
	s.Set("b", 2.0)
	s.Delete("a")
	s.Delete("missing") // no-op, must not log

	entries := s.Since(-1)
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Operation != types.OpSet || entries[0].Key != "a" {
		t.Fatalf("entry 0 = %+v, want SET a", entries[0])
	}
	if entries[1].Operation != types.OpSet || entries[1].Key != "b" {
		t.Fatalf("entry 1 = %+v, want SET b", entries[1])
	}
	if entries[2].Operation != types.OpDelete || entries[2].Key != "a" {
		t.Fatalf("entry 2 = %+v, want DELETE a", entries[2])
	}
}

func TestApplyReplicationDoesNotAppendToLog(t *testing.T) {
	s := New()
	s.ApplyReplication(types.OpSet, "k", "v")

	if got, ok := s.Get("k"); !ok || got != "v" {
		t.Fatalf("ApplyReplication should still mutate the map: got %v, %v", got, ok)
	}
	if entries := s.Since(-1); len(entries) != 0 {
		t.Fatalf("ApplyReplication must not append to the local log, got %d entries", len(entries))
	}
}

func TestSince(t *testing.T) {
	s := New()
	s.Set("a", 1.0)
	all := s.Since(-1)
	if len(all) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(all))
	}
	future := s.Since(all[0].Timestamp + 1000)
	if len(future) != 0 {
		t.Fatalf("expected no entries newer than a far-future timestamp, got %d", len(future))
	}
}

func TestLastTimestamp(t *testing.T) {
	s := New()
	if got := s.LastTimestamp(); got != -1 {
		t.Fatalf("empty log: LastTimestamp() = %v, want -1", got)
	}
	s.Set("a", 1.0)
	s.Set("b", 2.0)
	all := s.Since(-1)
	if got := s.LastTimestamp(); got != all[len(all)-1].Timestamp {
		t.Fatalf("LastTimestamp() = %v, want %v", got, all[len(all)-1].Timestamp)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	s.Set("a", 1.0)
	snap := s.Snapshot()
	snap["a"] = 2.0
	v, _ := s.Get("a")
	if !reflect.DeepEqual(v, 1.0) {
		t.Fatalf("mutating the snapshot must not affect the store, got %v", v)
	}
}
