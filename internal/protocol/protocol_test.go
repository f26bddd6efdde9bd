package protocol

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/flashd/internal/testutil/testlog"
)

func TestEncodeResponseTruncatesToWireLimit(t *testing.T) {
	testlog.Start(t)
	long := strings.Repeat("x", 200)
	out := EncodeResponse(CodeFail, long)
	if len(out) != MaxResponseLen {
		t.Fatalf("expected %d bytes, got %d", MaxResponseLen, len(out))
	}
	if string(out[:4]) != "FAIL" {
		t.Fatalf("unexpected prefix %q", out[:4])
	}
	if got := string(EncodeResponse(CodeOkay, "")); got != "OKAY" {
		t.Fatalf("unexpected empty okay %q", got)
	}
}

func TestEncodeData(t *testing.T) {
	testlog.Start(t)
	if got := string(EncodeData(0x1234)); got != "DATA00001234" {
		t.Fatalf("unexpected data response %q", got)
	}
}

func TestParseDownloadSize(t *testing.T) {
	testlog.Start(t)
	n, err := ParseDownloadSize("0000ff00")
	if err != nil || n != 0xff00 {
		t.Fatalf("parse: n=%x err=%v", n, err)
	}
	if _, err := ParseDownloadSize("zz"); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if _, err := ParseDownloadSize(""); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength for empty size, got %v", err)
	}
}

func TestClassifyPayload(t *testing.T) {
	testlog.Start(t)
	staging := "/cache/fastboot.download"

	inline := ClassifyPayload([]byte("raw image bytes"), staging)
	if inline.IsStaged() || string(inline.Bytes()) != "raw image bytes" {
		t.Fatalf("expected inline payload, got %+v", inline)
	}
	if _, err := inline.Path(); !errors.Is(err, ErrNotStaged) {
		t.Fatalf("expected ErrNotStaged, got %v", err)
	}

	staged := ClassifyPayload([]byte(staging), staging)
	if !staged.IsStaged() || staged.Size() != len(staging) {
		t.Fatalf("expected staged payload sized by its path, got kind=%s size=%d", staged.Kind(), staged.Size())
	}
	if p, err := staged.Path(); err != nil || p != staging {
		t.Fatalf("unexpected staged path %q err=%v", p, err)
	}

	if ClassifyPayload([]byte(staging), "").IsStaged() {
		t.Fatalf("no staging path configured must always classify inline")
	}
}

func TestPayloadOpen(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "staged.img")
	if err := os.WriteFile(path, []byte("from disk"), 0o644); err != nil {
		t.Fatalf("write staged: %v", err)
	}
	for _, p := range []Payload{InlinePayload([]byte("from disk")), StagedPayload(path)} {
		rc, n, err := p.Open()
		if err != nil {
			t.Fatalf("open %s: %v", p.Kind(), err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if string(data) != "from disk" || n != int64(len(data)) {
			t.Fatalf("%s payload read %q n=%d", p.Kind(), data, n)
		}
	}
}
