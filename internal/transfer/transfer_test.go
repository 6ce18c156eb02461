package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
	"github.com/open-edge-platform/updater-core/internal/ringbuffer"
	"github.com/open-edge-platform/updater-core/internal/store"
)

func TestParseListHeaderAndCommands(t *testing.T) {
	text := "1\n100\n10\n5\nerase 2 0 1\nzero 2 1 2\nfree deadbeef\n"
	list, err := ParseList([]byte(text))
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if list.Version != 1 || list.TotalBlocks != 100 || list.MaxStash != 10 || list.MaxStashEntries != 5 {
		t.Fatalf("unexpected header: %+v", list)
	}
	if len(list.Commands) != 3 {
		t.Fatalf("got %d commands, want 3", len(list.Commands))
	}
	if list.Commands[0].Op != OpErase || list.Commands[1].Op != OpZero || list.Commands[2].Op != OpFree {
		t.Fatalf("unexpected ops: %+v", list.Commands)
	}
}

func TestParseListRejectsShortHeader(t *testing.T) {
	if _, err := ParseList([]byte("1\n2\n")); err == nil {
		t.Fatal("expected error for too-short header")
	}
}

func TestParseMoveWithPlainSource(t *testing.T) {
	list, err := ParseList([]byte("1\n10\n0\n0\nmove abc123 2 0 1 - 2 2 3\n"))
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	cmd := list.Commands[0]
	if cmd.Op != OpMove || cmd.Hash != "abc123" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if cmd.Target.BlockCount() != 1 || cmd.Src.Plain.BlockCount() != 1 {
		t.Fatalf("unexpected ranges: target=%+v src=%+v", cmd.Target, cmd.Src.Plain)
	}
}

func TestParseStashSource(t *testing.T) {
	list, err := ParseList([]byte("1\n10\n0\n0\nmove tgthash 2 0 1 - stash 2 piecehash 2 0 1 - 2 2 3\n"))
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	cmd := list.Commands[0]
	if len(cmd.Src.Pieces) != 2 {
		t.Fatalf("got %d pieces, want 2: %+v", len(cmd.Src.Pieces), cmd.Src.Pieces)
	}
	if cmd.Src.Pieces[0].Hash != "piecehash" || cmd.Src.Pieces[1].Hash != "-" {
		t.Fatalf("unexpected piece hashes: %+v", cmd.Src.Pieces)
	}
}

func newManager(t *testing.T, dev *MemoryDevice) *Manager {
	t.Helper()
	st, _, err := store.CreateNewSpace(t.TempDir(), true)
	if err != nil {
		t.Fatalf("CreateNewSpace: %v", err)
	}
	return &Manager{Device: dev, Stash: st}
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// TestEraseAndZero exercises the two plain device-range commands.
func TestEraseAndZero(t *testing.T) {
	dev := NewMemoryDevice(4)
	for i := range dev.Buf {
		dev.Buf[i] = 0xAB
	}
	m := newManager(t, dev)
	list, err := ParseList([]byte("1\n4\n0\n0\nerase 2 0 2\nzero 2 2 4\n"))
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if err := m.Run(list); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 0; i < len(dev.Buf); i++ {
		if dev.Buf[i] != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, dev.Buf[i])
		}
	}
}

// TestMoveRoundTrip covers a well-formed move: source bytes are copied
// verbatim to the target once their hash checks out.
func TestMoveRoundTrip(t *testing.T) {
	dev := NewMemoryDevice(4)
	srcContent := bytes.Repeat([]byte{0x42}, 4096)
	copy(dev.Buf[0:4096], srcContent)

	m := newManager(t, dev)
	list, err := ParseList([]byte("1\n4\n0\n0\nmove " + hashHex(srcContent) + " 2 2 3 - 2 0 1\n"))
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if err := m.Run(list); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(dev.Buf[4096*2:4096*3], srcContent) {
		t.Fatal("target block was not overwritten with source content")
	}
}

// TestMoveScenarioS4BadSource is spec §8 scenario S4: source blocks are all
// 0xFF instead of zeros, so the hash check must fail and abort before any
// write, surfacing as a retry-tagged digest error.
func TestMoveScenarioS4BadSource(t *testing.T) {
	dev := NewMemoryDevice(3)
	for i := 4096 * 2; i < len(dev.Buf); i++ {
		dev.Buf[i] = 0xFF
	}
	zeroHash := hashHex(make([]byte, 4096))

	m := newManager(t, dev)
	list, err := ParseList([]byte("1\n3\n0\n0\nmove " + zeroHash + " 2 0 1 - 2 2 3\n"))
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	err = m.Run(list)
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if !pkgerr.Is(err, pkgerr.InvalidDigest) {
		t.Fatalf("error kind = %v, want InvalidDigest", err)
	}
	tag, escalates := pkgerr.RetryTagForKind(pkgerr.InvalidDigest)
	if !escalates || tag != pkgerr.VerifyFailedReboot {
		t.Fatalf("InvalidDigest should escalate to VERIFY_FAILED_REBOOT, got %v/%v", tag, escalates)
	}
	for i := 0; i < 4096; i++ {
		if dev.Buf[i] != 0 {
			t.Fatal("target blocks must not be written on a failed move")
		}
	}
}

// TestNewCommandPullsFromProducer exercises the new-data producer/consumer
// hand-off: a goroutine pushes bytes into a FlowStream while Run consumes
// them via the `new` command.
func TestNewCommandPullsFromProducer(t *testing.T) {
	rb := ringbuffer.New(8192, 4)
	flow := pkgstream.NewFlowStream(rb, 8192)

	payload := bytes.Repeat([]byte{0x55}, 8192)
	errCh := make(chan error, 1)
	go func() {
		errCh <- RunNewDataProducer(flow, pkgstream.NewMemoryStream(payload))
	}()

	dev := NewMemoryDevice(2)
	m := newManager(t, dev)
	m.NewData = flow
	list, err := ParseList([]byte("1\n2\n0\n0\nnew 2 0 2\n"))
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if err := m.Run(list); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("RunNewDataProducer: %v", err)
	}
	if !bytes.Equal(dev.Buf, payload) {
		t.Fatal("device bytes do not match pushed new data")
	}
}

// TestStashAndFree covers stash/free and reading a stashed source back for
// a subsequent move.
func TestStashAndFree(t *testing.T) {
	dev := NewMemoryDevice(4)
	content := bytes.Repeat([]byte{0x7A}, 4096)
	copy(dev.Buf[0:4096], content)

	m := newManager(t, dev)
	tag := hashHex(content)
	list, err := ParseList([]byte("1\n4\n0\n0\nstash " + tag + " 2 0 1\nfree " + tag + "\n"))
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if err := m.Run(list); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Stash.Exists(tag) {
		t.Fatal("expected stash entry to be freed")
	}
}

// TestTransferListIdempotence is spec §8 property 6: applying the same
// transfer list twice against a fresh device each time produces identical
// bytes.
func TestTransferListIdempotence(t *testing.T) {
	text := "1\n4\n0\n0\nzero 2 0 2\nmove " + hashHex(make([]byte, 4096)) + " 2 2 3 - 2 0 1\n"
	list, err := ParseList([]byte(text))
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}

	run := func() []byte {
		dev := NewMemoryDevice(4)
		for i := range dev.Buf {
			dev.Buf[i] = 0x11
		}
		m := newManager(t, dev)
		if err := m.Run(list); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return append([]byte(nil), dev.Buf...)
	}

	first := run()
	second := run()
	if !bytes.Equal(first, second) {
		t.Fatal("expected identical device bytes across repeated runs")
	}
}
