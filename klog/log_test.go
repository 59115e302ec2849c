package klog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, Warn, false)

	lg.Debugf("should not appear")
	lg.Infof("should not appear either")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing written below min level, got %q", buf.String())
	}

	lg.Warnf("disk is %d%% full", 90)
	if !strings.Contains(buf.String(), "disk is 90% full") {
		t.Fatalf("warn line missing from output: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "WARN") {
		t.Fatalf("level tag missing from output: %q", buf.String())
	}
}

func TestLastLine(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, Debug, false)

	if lg.LastLine() != "" {
		t.Fatalf("expected empty last line before any log call")
	}
	lg.Errorf("frame %d exhausted", 7)
	if !strings.Contains(lg.LastLine(), "frame 7 exhausted") {
		t.Fatalf("LastLine did not capture the formatted message: %q", lg.LastLine())
	}
}

func TestNewRingBackedMirrorsToBothSinks(t *testing.T) {
	var buf bytes.Buffer
	lg := NewRingBacked(&buf, 4096, Info, false)

	lg.Infof("disk %d%% full", 42)

	if !strings.Contains(buf.String(), "disk 42% full") {
		t.Fatalf("primary sink missing the log line: %q", buf.String())
	}
	if !strings.Contains(string(lg.RingSnapshot()), "disk 42% full") {
		t.Fatalf("ring snapshot missing the log line: %q", lg.RingSnapshot())
	}
}

func TestNewRingBackedWrapsOldestLinesOut(t *testing.T) {
	var buf bytes.Buffer
	lg := NewRingBacked(&buf, 16, Info, false)

	lg.Infof("first")
	lg.Infof("second")

	snap := string(lg.RingSnapshot())
	if strings.Contains(snap, "first") {
		t.Fatalf("ring should have overwritten the oldest line once full, got %q", snap)
	}
	if !strings.Contains(snap, "second") {
		t.Fatalf("ring should retain the most recent line, got %q", snap)
	}
}

func TestRingSnapshotEmptyWithoutRing(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, Info, false)
	if got := lg.RingSnapshot(); got != nil {
		t.Fatalf("expected nil ring snapshot for a plain Logger, got %q", got)
	}
}

func TestDisassembleAt(t *testing.T) {
	// 0xC3 is a bare RET in both 32- and 64-bit mode.
	inst, disasm, ok := disassembleAt([]byte{0xC3})
	if !ok {
		t.Fatal("expected a valid decode for RET")
	}
	if inst.Len != 1 {
		t.Fatalf("expected a 1-byte instruction, got %d", inst.Len)
	}
	if disasm == "" {
		t.Fatal("expected a non-empty disassembly string")
	}

	if _, _, ok := disassembleAt(nil); ok {
		t.Fatal("expected ok=false for empty code")
	}
}
