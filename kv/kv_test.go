package kv_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/hmatsuda/kioku/kv"
)

func get(t *testing.T, kvs kv.KV, key []byte) ([]byte, bool) {
	t.Helper()

	var val []byte
	err := kvs.Get(key,
		func(v []byte) error {
			val = append(make([]byte, 0, len(v)), v...)
			return nil
		})
	if err == io.EOF {
		return nil, false
	}
	if err != nil {
		t.Fatalf("Get(%v) failed with %s", key, err)
	}
	return val, true
}

func set(t *testing.T, kvs kv.KV, pairs ...[]byte) {
	t.Helper()

	if len(pairs)%2 != 0 {
		panic("set: pairs must be even")
	}
	upd, err := kvs.Updater()
	if err != nil {
		t.Fatal(err)
	}
	for idx := 0; idx < len(pairs); idx += 2 {
		err = upd.Set(pairs[idx], pairs[idx+1])
		if err != nil {
			upd.Rollback()
			t.Fatal(err)
		}
	}
	err = upd.Commit(true)
	if err != nil {
		t.Fatal(err)
	}
}

// runKVTest exercises the shared interface contract against a backend.
func runKVTest(t *testing.T, kvs kv.KV) {
	t.Helper()

	if _, ok := get(t, kvs, []byte("absent")); ok {
		t.Error("Get() of absent key succeeded")
	}

	set(t, kvs,
		[]byte("a1"), []byte("v1"),
		[]byte("a2"), []byte("v2"),
		[]byte("b1"), []byte("v3"))

	val, ok := get(t, kvs, []byte("a2"))
	if !ok || !bytes.Equal(val, []byte("v2")) {
		t.Errorf("Get(a2) got %q, %v", val, ok)
	}

	// Overwrite.
	set(t, kvs, []byte("a2"), []byte("v2'"))
	val, _ = get(t, kvs, []byte("a2"))
	if !bytes.Equal(val, []byte("v2'")) {
		t.Errorf("Get(a2) after overwrite got %q", val)
	}

	// Range iteration honors both bounds.
	it, err := kvs.Iterate([]byte("a1"), []byte("a9"))
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for {
		err = it.Item(
			func(key, val []byte) error {
				keys = append(keys, string(key))
				return nil
			})
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	it.Close()
	if len(keys) != 2 || keys[0] != "a1" || keys[1] != "a2" {
		t.Errorf("Iterate(a1, a9) got %v", keys)
	}

	// Delete.
	upd, err := kvs.Updater()
	if err != nil {
		t.Fatal(err)
	}
	if err = upd.Delete([]byte("a1")); err != nil {
		upd.Rollback()
		t.Fatal(err)
	}
	if err = upd.Commit(true); err != nil {
		t.Fatal(err)
	}
	if _, ok = get(t, kvs, []byte("a1")); ok {
		t.Error("Get() of deleted key succeeded")
	}

	// Rollback discards the batch.
	upd, err = kvs.Updater()
	if err != nil {
		t.Fatal(err)
	}
	if err = upd.Set([]byte("a3"), []byte("v4")); err != nil {
		t.Fatal(err)
	}
	upd.Rollback()
	if _, ok = get(t, kvs, []byte("a3")); ok {
		t.Error("rolled back write visible")
	}
}

func TestBTreeKV(t *testing.T) {
	kvs := kv.MakeBTreeKV()
	runKVTest(t, kvs)
	if err := kvs.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenUnknown(t *testing.T) {
	_, err := kv.Open("flatfile", "testdata", nil)
	if err == nil {
		t.Error("Open() of unknown backend did not fail")
	}
}
