// Package repl is the diagnostic command shell over an engine: read,
// mutate, retire, and commit extents by hand, and inspect the cache's
// resident set, dirty list, backref buffer, and statistics.
package repl

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/hmatsuda/kioku/cache"
	"github.com/hmatsuda/kioku/engine"
	"github.com/hmatsuda/kioku/seg"
)

var errQuit = errors.New("repl: quit")

type Session struct {
	eng  *engine.Engine
	w    io.Writer
	tx   *cache.Transaction
	tcnt int
}

func NewSession(eng *engine.Engine, w io.Writer) *Session {
	return &Session{
		eng: eng,
		w:   w,
	}
}

// LineSource yields input lines; io.EOF ends the session.
type LineSource func() (string, error)

// Repl runs the command loop until the source is exhausted or the
// session quits.
func Repl(ses *Session, src LineSource) {
	for {
		line, err := src()
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Fprintln(ses.w, err)
			return
		}

		err = ses.Run(line)
		if err == errQuit {
			return
		}
		if err != nil {
			fmt.Fprintln(ses.w, err)
		}
	}
}

var extentTypesByName = map[string]seg.ExtentType{
	"laddr-internal": seg.LaddrInternal,
	"laddr-leaf":     seg.LaddrLeaf,
	"omap-inner":     seg.OmapInner,
	"omap-leaf":      seg.OmapLeaf,
	"onode":          seg.OnodeBlockStaged,
	"backref-internal": seg.BackrefInternal,
	"backref-leaf":   seg.BackrefLeaf,
	"data":           seg.ObjectData,
	"test":           seg.TestBlock,
}

func parseUint(arg string) (uint64, error) {
	u64, err := strconv.ParseUint(arg, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("repl: bad number: %s", arg)
	}
	return u64, nil
}

func (ses *Session) transaction() *cache.Transaction {
	if ses.tx == nil {
		ses.tcnt += 1
		ses.tx = ses.eng.Begin(seg.SrcMutate, fmt.Sprintf("repl-%d", ses.tcnt))
	}
	return ses.tx
}

// Run executes one command line.
func (ses *Session) Run(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}

	ctx := context.Background()
	switch args[0] {
	case "help":
		ses.help()
		return nil
	case "exit", "quit":
		if ses.tx != nil {
			ses.tx.Abort()
			ses.tx = nil
		}
		return errQuit
	case "alloc":
		return ses.alloc(args[1:])
	case "read":
		return ses.read(ctx, args[1:])
	case "write":
		return ses.write(ctx, args[1:])
	case "retire":
		return ses.retire(ctx, args[1:])
	case "commit":
		return ses.commit(ctx)
	case "abort":
		if ses.tx != nil {
			ses.tx.Abort()
			ses.tx = nil
		}
		fmt.Fprintln(ses.w, "aborted")
		return nil
	case "root":
		return ses.root()
	case "extents":
		return ses.extents()
	case "dirty":
		return ses.dirty()
	case "backrefs":
		return ses.backrefs(args[1:])
	case "stats":
		return ses.stats()
	}
	return fmt.Errorf("repl: unknown command: %s", args[0])
}

func (ses *Session) help() {
	fmt.Fprint(ses.w, `commands:
  alloc <type> <len> [laddr]    allocate a fresh extent
  read <type> <addr> <len>      read the extent at addr
  write <addr> <off> <hexdata>  mutate the extent at addr
  retire <addr> <len>           retire the block at addr
  commit                        commit the open transaction
  abort                         abort the open transaction
  root                          show the root block
  extents                       list resident extents
  dirty                         list dirty extents
  backrefs <start> <end>        buffered backrefs in [start, end)
  stats                         cache statistics
  exit
`)
}

func (ses *Session) alloc(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("repl: usage: alloc <type> <len> [laddr]")
	}
	typ, ok := extentTypesByName[args[0]]
	if !ok {
		return fmt.Errorf("repl: unknown extent type: %s", args[0])
	}
	length, err := parseUint(args[1])
	if err != nil {
		return err
	}
	laddr := seg.LaddrNull
	if len(args) == 3 {
		u64, err := parseUint(args[2])
		if err != nil {
			return err
		}
		laddr = seg.Laddr(u64)
	}

	t := ses.transaction()
	e, err := ses.eng.Cache().AllocNewExtent(t, typ, uint32(length), laddr,
		seg.PaddrNull)
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "%s\n", e)
	return nil
}

func (ses *Session) read(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errors.New("repl: usage: read <type> <addr> <len>")
	}
	typ, ok := extentTypesByName[args[0]]
	if !ok {
		return fmt.Errorf("repl: unknown extent type: %s", args[0])
	}
	addr, err := parseUint(args[1])
	if err != nil {
		return err
	}
	length, err := parseUint(args[2])
	if err != nil {
		return err
	}

	t := ses.transaction()
	e, err := ses.eng.Cache().GetExtent(ctx, t, typ, seg.Paddr(addr), uint32(length))
	if err != nil {
		return err
	}
	data := e.Bytes()
	show := data
	if len(show) > 32 {
		show = show[:32]
	}
	fmt.Fprintf(ses.w, "%s crc=%#x bytes=%s...\n", e, e.LastCommittedCRC(),
		hex.EncodeToString(show))
	return nil
}

func (ses *Session) write(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errors.New("repl: usage: write <addr> <off> <hexdata>")
	}
	addr, err := parseUint(args[0])
	if err != nil {
		return err
	}
	off, err := parseUint(args[1])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(args[2])
	if err != nil {
		return fmt.Errorf("repl: bad hex data: %s", args[2])
	}

	t := ses.transaction()
	e, err := ses.eng.Cache().GetExtentIfCached(ctx, t, seg.Paddr(addr))
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("repl: no resident extent at %s; read it first",
			seg.Paddr(addr))
	}
	shadow := ses.eng.Cache().DuplicateForWrite(t, e)
	shadow.Set(uint32(off), data)
	fmt.Fprintf(ses.w, "%s\n", shadow)
	return nil
}

func (ses *Session) retire(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("repl: usage: retire <addr> <len>")
	}
	addr, err := parseUint(args[0])
	if err != nil {
		return err
	}
	length, err := parseUint(args[1])
	if err != nil {
		return err
	}

	t := ses.transaction()
	return ses.eng.Cache().RetireExtentAddr(ctx, t, seg.Paddr(addr), uint32(length))
}

func (ses *Session) commit(ctx context.Context) error {
	if ses.tx == nil {
		return errors.New("repl: no open transaction")
	}
	seq, err := ses.eng.Commit(ctx, ses.tx)
	ses.tx = nil
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "committed %s\n", seq)
	return nil
}

func (ses *Session) root() error {
	t := ses.transaction()
	e, err := ses.eng.Cache().GetRoot(t)
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "%s\n", e)
	return nil
}

func (ses *Session) extents() error {
	infos := ses.eng.Cache().DumpContents()

	tw := tablewriter.NewWriter(ses.w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"paddr", "laddr", "type", "state", "len", "ver", "dirty-from"})
	for _, info := range infos {
		tw.Append([]string{
			info.Paddr.String(),
			info.Laddr.String(),
			info.Type.String(),
			info.State.String(),
			strconv.FormatUint(uint64(info.Length), 10),
			strconv.FormatUint(info.Version, 10),
			info.DirtyFrom.String(),
		})
	}
	tw.Render()
	fmt.Fprintf(ses.w, "(%d extents)\n", len(infos))
	return nil
}

func (ses *Session) dirty() error {
	infos := ses.eng.Cache().DumpContents()

	tw := tablewriter.NewWriter(ses.w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"paddr", "type", "len", "dirty-from"})
	cnt := 0
	for _, info := range infos {
		if info.State != cache.StateDirty {
			continue
		}
		tw.Append([]string{
			info.Paddr.String(),
			info.Type.String(),
			strconv.FormatUint(uint64(info.Length), 10),
			info.DirtyFrom.String(),
		})
		cnt += 1
	}
	tw.Render()
	fmt.Fprintf(ses.w, "(%d dirty)\n", cnt)
	return nil
}

func (ses *Session) backrefs(args []string) error {
	if len(args) != 2 {
		return errors.New("repl: usage: backrefs <start> <end>")
	}
	start, err := parseUint(args[0])
	if err != nil {
		return err
	}
	end, err := parseUint(args[1])
	if err != nil {
		return err
	}

	ins := ses.eng.Cache().GetBackrefsInRange(seg.Paddr(start), seg.Paddr(end))
	del := ses.eng.Cache().GetDelBackrefsInRange(seg.Paddr(start), seg.Paddr(end))

	tw := tablewriter.NewWriter(ses.w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"op", "paddr", "laddr", "type", "len", "seq"})
	for _, ent := range ins {
		tw.Append([]string{"insert", ent.Paddr.String(), ent.Laddr.String(),
			ent.Type.String(), strconv.FormatUint(uint64(ent.Len), 10),
			ent.Seq.String()})
	}
	for _, ent := range del {
		tw.Append([]string{"remove", ent.Paddr.String(), ent.Laddr.String(),
			ent.Type.String(), strconv.FormatUint(uint64(ent.Len), 10),
			ent.Seq.String()})
	}
	tw.Render()
	return nil
}

func (ses *Session) stats() error {
	st := ses.eng.Cache().Stats()

	tw := tablewriter.NewWriter(ses.w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"src", "created", "committed", "conflicted"})
	for src := 0; src < seg.SrcMax; src++ {
		ss := st.BySrc[src]
		if ss.TransCreated == 0 {
			continue
		}
		tw.Append([]string{
			seg.TransactionSrc(src).String(),
			strconv.FormatUint(ss.TransCreated, 10),
			strconv.FormatUint(ss.TransCommitted, 10),
			strconv.FormatUint(ss.TransConflicted, 10),
		})
	}
	tw.Render()
	fmt.Fprintf(ses.w, "resident=%d dirty=%d bytes, lru=%d bytes in %d extents\n",
		st.Resident, st.DirtyBytes, st.LRUBytes, st.LRUExtents)
	return nil
}
