package kv_test

import (
	"path/filepath"
	"testing"

	"github.com/hmatsuda/kioku/kv"
	"github.com/hmatsuda/kioku/testutil"
)

func TestBadgerKV(t *testing.T) {
	err := testutil.CleanDir("testdata", []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}

	kvs, err := kv.MakeBadgerKV(filepath.Join("testdata", "badger"),
		testutil.SetupLogger(filepath.Join("testdata", "badger.log")))
	if err != nil {
		t.Fatal(err)
	}
	defer kvs.Close()

	runKVTest(t, kvs)
}
