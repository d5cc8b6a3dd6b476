package repl_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hmatsuda/kioku/engine"
	"github.com/hmatsuda/kioku/kv"
	"github.com/hmatsuda/kioku/repl"
)

func run(t *testing.T, ses *repl.Session, line string) {
	t.Helper()

	err := ses.Run(line)
	if err != nil {
		t.Fatalf("Run(%q) failed with %s", line, err)
	}
}

func TestSessionCommands(t *testing.T) {
	eng, err := engine.Start(kv.MakeBTreeKV(), engine.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	var out bytes.Buffer
	ses := repl.NewSession(eng, &out)

	run(t, ses, "alloc data 4096 0x10")
	run(t, ses, "commit")
	if !strings.Contains(out.String(), "committed seq:1") {
		t.Errorf("commit output got %q", out.String())
	}

	out.Reset()
	run(t, ses, "read data 0x1000 4096")
	if !strings.Contains(out.String(), "paddr:0x1000") {
		t.Errorf("read output got %q", out.String())
	}
	run(t, ses, "abort")

	out.Reset()
	run(t, ses, "extents")
	if !strings.Contains(out.String(), "OBJECT_DATA") {
		t.Errorf("extents output got %q", out.String())
	}

	out.Reset()
	run(t, ses, "write 0x1000 0 aabb")
	run(t, ses, "commit")
	if !strings.Contains(out.String(), "committed seq:2") {
		t.Errorf("mutate commit output got %q", out.String())
	}

	out.Reset()
	run(t, ses, "backrefs 0 0x100000")
	if !strings.Contains(out.String(), "insert") {
		t.Errorf("backrefs output got %q", out.String())
	}

	out.Reset()
	run(t, ses, "stats")
	if !strings.Contains(out.String(), "MUTATE") {
		t.Errorf("stats output got %q", out.String())
	}

	out.Reset()
	run(t, ses, "root")
	if !strings.Contains(out.String(), "ROOT") {
		t.Errorf("root output got %q", out.String())
	}
	run(t, ses, "abort")

	if err := ses.Run("bogus"); err == nil {
		t.Error("unknown command did not fail")
	}
}

func TestRetireCommand(t *testing.T) {
	eng, err := engine.Start(kv.MakeBTreeKV(), engine.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	var out bytes.Buffer
	ses := repl.NewSession(eng, &out)

	run(t, ses, "alloc data 4096 0x10")
	run(t, ses, "commit")

	run(t, ses, "retire 0x1000 4096")
	run(t, ses, "commit")

	out.Reset()
	run(t, ses, "extents")
	if strings.Contains(out.String(), "OBJECT_DATA") {
		t.Errorf("retired extent still listed: %q", out.String())
	}
}
