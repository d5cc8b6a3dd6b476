package kv_test

import (
	"path/filepath"
	"testing"

	"github.com/hmatsuda/kioku/kv"
	"github.com/hmatsuda/kioku/testutil"
)

func TestPebbleKV(t *testing.T) {
	dataDir := filepath.Join("testdata", "pebble")
	err := testutil.CleanDir(dataDir, nil)
	if err != nil {
		t.Fatal(err)
	}

	kvs, err := kv.MakePebbleKV(dataDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer kvs.Close()

	runKVTest(t, kvs)
}
