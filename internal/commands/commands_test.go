package commands

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/flashd/internal/flash"
	"github.com/danmuck/flashd/internal/partition"
	"github.com/danmuck/flashd/internal/protocol"
	"github.com/danmuck/flashd/internal/registry"
	"github.com/danmuck/flashd/internal/testutil/testlog"
	"github.com/danmuck/flashd/internal/volume"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// journal is shared by the fake exchange and the fake platform so tests
// can assert ordering across them.
type journal struct {
	events []string
}

type fakeExchange struct {
	j *journal
}

func (x fakeExchange) Okay(info string) { x.j.events = append(x.j.events, "OKAY"+info) }
func (x fakeExchange) Fail(reason string) { x.j.events = append(x.j.events, "FAIL"+reason) }
func (x fakeExchange) Info(msg string) { x.j.events = append(x.j.events, "INFO"+msg) }
func (x fakeExchange) Receive(size uint32) { x.j.events = append(x.j.events, "RECV") }

type fakePlatform struct {
	j *journal
}

func (p fakePlatform) Sync() { p.j.events = append(p.j.events, "sync") }

func (p fakePlatform) Reboot(target string) error {
	p.j.events = append(p.j.events, "reboot:"+target)
	return nil
}

type fakeVolumes struct {
	table   *volume.Table
	mounted []string
}

func (v *fakeVolumes) EnsureMounted(_ context.Context, path string) error {
	v.mounted = append(v.mounted, path)
	return nil
}

func (v *fakeVolumes) Table() *volume.Table { return v.table }

type fakeFormatter struct {
	formatted []string
}

func (f *fakeFormatter) Format(_ context.Context, mp string) error {
	f.formatted = append(f.formatted, mp)
	return nil
}

type fakePartitioner struct {
	device  string
	reqs    []partition.Request
	created bool
	err     error
}

func (p *fakePartitioner) EnsureDevice(_ context.Context, device string, reqs []partition.Request) (bool, error) {
	p.device = device
	p.reqs = reqs
	return p.created, p.err
}

type fixture struct {
	j        *journal
	cmds     *registry.Commands
	handlers *Handlers
	vols     *fakeVolumes
	fmtr     *fakeFormatter
	parts    *fakePartitioner
	dir      string
	outcomes []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, flash.Options{})
}

func newFixtureWith(t *testing.T, opts flash.Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{j: &journal{}, cmds: registry.NewCommands(), dir: dir, fmtr: &fakeFormatter{}, parts: &fakePartitioner{}}
	table := volume.NewTable(
		volume.Volume{MountPoint: "/system", FSType: "ext4", Device: filepath.Join(dir, "mmcblk0p1"), LengthMB: 64},
		volume.Volume{MountPoint: "/cache", FSType: "ext4", Device: filepath.Join(dir, "mmcblk0p2")},
		volume.Volume{MountPoint: "/data", FSType: "ext4", Device: filepath.Join(dir, "mmcblk0p3")},
	)
	f.vols = &fakeVolumes{table: table}
	plat := fakePlatform{j: f.j}
	pipeline := flash.NewPipeline(table, f.fmtr, plat, opts)
	f.handlers = New(context.Background(), Deps{
		Commands:    f.cmds,
		Variables:   registry.NewVariables(),
		Pipeline:    pipeline,
		Volumes:     f.vols,
		Partitioner: f.parts,
		Syncer:      plat,
		Rebooter:    plat,
		BaseDevice:  filepath.Join(dir, "mmcblk0"),
		Paths: Paths{
			OTAPackage:      filepath.Join(dir, "cache", "update.zip"),
			RecoveryCommand: filepath.Join(dir, "cache", "recovery", "command"),
		},
		OnPartition: func(outcome string) { f.outcomes = append(f.outcomes, outcome) },
	})
	if err := f.handlers.Register(); err != nil {
		t.Fatalf("register: %v", err)
	}
	return f
}

func (f *fixture) run(t *testing.T, line string, payload protocol.Payload) []string {
	t.Helper()
	f.j.events = nil
	h, arg, ok := f.cmds.Match(line)
	if !ok {
		t.Fatalf("no handler for %q", line)
	}
	h(fakeExchange{j: f.j}, arg, payload)
	return f.j.events
}

func expect(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events mismatch:\n got=%q\nwant=%q", got, want)
	}
}

func TestRebootVerbsAckBeforeSyncBeforeReboot(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	expect(t, f.run(t, "reboot", protocol.Payload{}), "OKAY", "sync", "reboot:android")
	expect(t, f.run(t, "reboot-bootloader", protocol.Payload{}), "OKAY", "sync", "reboot:fastboot")
	expect(t, f.run(t, "continue", protocol.Payload{}), "OKAY", "sync", "reboot:android")
}

func TestBootIsStubbed(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	expect(t, f.run(t, "boot", protocol.Payload{}), "FAIL"+ReasonBootStubbed)
}

func TestOEMDispatch(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	expect(t, f.run(t, "oem", protocol.Payload{}), "FAIL"+ReasonEmptyOEM)
	expect(t, f.run(t, "oem  \t ", protocol.Payload{}), "FAIL"+ReasonEmptyOEM)
	expect(t, f.run(t, "oem system ls", protocol.Payload{}), "FAIL"+ReasonOEMSystem)
	expect(t, f.run(t, "oem showtext hello", protocol.Payload{}), "OKAY")
	expect(t, f.run(t, "oem frobnicate", protocol.Payload{}), "FAIL"+ReasonUnknownOEM)
	// hash without a target fails with the verb name.
	expect(t, f.run(t, "oem hash", protocol.Payload{}), "FAILhash")

	if err := f.handlers.OEM().Register("hello", func(_ context.Context, x protocol.Exchange, args []string) error {
		x.Info(strings.Join(args[1:], ","))
		return nil
	}); err != nil {
		t.Fatalf("register oem verb: %v", err)
	}
	expect(t, f.run(t, "oem\thello a\tb", protocol.Payload{}), "INFOa,b", "OKAY")
	if err := f.handlers.OEM().Register("hello", nil); !errors.Is(err, registry.ErrKeyExists) {
		t.Fatalf("expected duplicate oem verb to fail, got %v", err)
	}
}

func TestTokenizeOEMLimit(t *testing.T) {
	testlog.Start(t)
	args := TokenizeOEM(strings.Repeat(" x", 40))
	if len(args) != MaxOEMArgs {
		t.Fatalf("expected %d args, got %d", MaxOEMArgs, len(args))
	}
}

func TestFlashSystemInflatesGzip(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	data := bytes.Repeat([]byte("system image "), 10000)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(data)
	zw.Close()

	expect(t, f.run(t, "flash:system", protocol.InlinePayload(buf.Bytes())), "sync", "OKAY")
	got, _ := os.ReadFile(filepath.Join(f.dir, "mmcblk0p1"))
	if !bytes.Equal(got, data) {
		t.Fatalf("system device content mismatch")
	}

	expect(t, f.run(t, "flash:system", protocol.InlinePayload([]byte("plain"))), "FAIL"+ReasonDecompress)
}

func TestFlashSystemHonorsConfiguredCodec(t *testing.T) {
	testlog.Start(t)
	f := newFixtureWith(t, flash.Options{Decompress: map[string]flash.Codec{"system": flash.CodecNone}})
	expect(t, f.run(t, "flash:system", protocol.InlinePayload([]byte("raw system"))), "sync", "OKAY")
	if got, _ := os.ReadFile(filepath.Join(f.dir, "mmcblk0p1")); string(got) != "raw system" {
		t.Fatalf("unexpected system content %q", got)
	}

	f = newFixtureWith(t, flash.Options{Decompress: map[string]flash.Codec{"system": flash.CodecZstd}})
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	zw.Write([]byte("zstd system"))
	zw.Close()
	expect(t, f.run(t, "flash:system", protocol.InlinePayload(buf.Bytes())), "sync", "OKAY")
	if got, _ := os.ReadFile(filepath.Join(f.dir, "mmcblk0p1")); string(got) != "zstd system" {
		t.Fatalf("unexpected system content %q", got)
	}
}

func TestFlashRawAndUnknownVolume(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	expect(t, f.run(t, "flash:cache", protocol.InlinePayload([]byte("cache image"))), "sync", "OKAY")
	if got, _ := os.ReadFile(filepath.Join(f.dir, "mmcblk0p2")); string(got) != "cache image" {
		t.Fatalf("unexpected cache content %q", got)
	}
	expect(t, f.run(t, "flash:vendor", protocol.InlinePayload([]byte("x"))), "FAIL"+ReasonUnknownVolume)
	expect(t, f.run(t, "flash:"+filepath.Join(f.dir, "nope", "x"), protocol.InlinePayload([]byte("x"))), "FAIL"+ReasonWrite)
}

func TestFlashUpdateWritesRecoveryCommandAndReboots(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	expect(t, f.run(t, "flash:update", protocol.InlinePayload([]byte("PK ota"))),
		"sync", "sync", "OKAY", "sync", "reboot:recovery")

	ota := filepath.Join(f.dir, "cache", "update.zip")
	if got, _ := os.ReadFile(ota); string(got) != "PK ota" {
		t.Fatalf("unexpected OTA content %q", got)
	}
	cmd, _ := os.ReadFile(filepath.Join(f.dir, "cache", "recovery", "command"))
	if string(cmd) != "--update_package="+ota {
		t.Fatalf("unexpected recovery command %q", cmd)
	}
	if len(f.vols.mounted) != 2 {
		t.Fatalf("expected cache volumes mounted, got %v", f.vols.mounted)
	}
}

func TestErase(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	expect(t, f.run(t, "erase:userdata", protocol.Payload{}), "OKAY")
	if len(f.fmtr.formatted) != 1 || f.fmtr.formatted[0] != "/data" {
		t.Fatalf("unexpected formats %v", f.fmtr.formatted)
	}
	expect(t, f.run(t, "erase:vendor", protocol.Payload{}), "FAIL"+ReasonUnknownVolume)
	// A path under a volume resolves for flashing but is not a volume.
	expect(t, f.run(t, "erase:system/x", protocol.Payload{}), "FAIL"+ReasonUnknownVolume)
	if len(f.fmtr.formatted) != 1 {
		t.Fatalf("nested path must not be formatted, got %v", f.fmtr.formatted)
	}
}

func TestOEMHash(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	content := bytes.Repeat([]byte{0xC3}, 9000)
	if err := os.WriteFile(filepath.Join(f.dir, "mmcblk0p2"), content, 0o644); err != nil {
		t.Fatalf("write device: %v", err)
	}
	sum := blake3.Sum256(content[:4096])
	want := hex.EncodeToString(sum[:])
	expect(t, f.run(t, "oem hash cache 4096", protocol.Payload{}),
		"INFOcache 4096 bytes", "INFO"+want[:32], "INFO"+want[32:], "OKAY")
	expect(t, f.run(t, "oem hash vendor", protocol.Payload{}), "FAILhash")
}

func TestOEMPartition(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	f.parts.created = true
	expect(t, f.run(t, "oem partition", protocol.Payload{}), "INFOcreated 3 partitions", "OKAY")
	if f.parts.device != filepath.Join(f.dir, "mmcblk0") || len(f.parts.reqs) != 3 || f.parts.reqs[0].SizeMB != 64 {
		t.Fatalf("unexpected partition call device=%q reqs=%+v", f.parts.device, f.parts.reqs)
	}

	layout := filepath.Join(f.dir, "layout.toml")
	if err := os.WriteFile(layout, []byte("[[partition]]\nname = \"a\"\nsize_mb = 8\n"), 0o644); err != nil {
		t.Fatalf("write layout: %v", err)
	}
	f.parts.created = false
	expect(t, f.run(t, "oem partition "+layout, protocol.Payload{}), "INFOpartitions already present", "OKAY")
	if len(f.parts.reqs) != 1 || f.parts.reqs[0].Name != "a" {
		t.Fatalf("layout requests not used: %+v", f.parts.reqs)
	}

	f.parts.err = partition.ErrNoSpace
	expect(t, f.run(t, "oem partition", protocol.Payload{}), "FAILpartition")
	if strings.Join(f.outcomes, ",") != "created,present,failed" {
		t.Fatalf("unexpected outcomes %v", f.outcomes)
	}
}

func TestOEMVolumes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	events := f.run(t, "oem volumes", protocol.Payload{})
	if len(events) != 5 || events[0] != "INFO/tmp ramdisk" || events[4] != "OKAY" {
		t.Fatalf("unexpected volume listing %q", events)
	}
}

func TestPublishVariables(t *testing.T) {
	testlog.Start(t)
	vars := registry.NewVariables()
	if err := PublishVariables(vars, "flashd-dev", map[string]string{"serialno": "ABC"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, want := range map[string]string{"version": "0.5", "product": "flashd-dev", "kernel": "droidboot", "droidboot": "03.02", "serialno": "ABC"} {
		if got, _ := vars.Lookup(name); got != want {
			t.Fatalf("%s=%q want %q", name, got, want)
		}
	}
	if err := PublishVariables(vars, "x", nil); !errors.Is(err, registry.ErrVariableExists) {
		t.Fatalf("expected duplicate publish to fail, got %v", err)
	}
}

func TestFailReason(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		err  error
		want string
	}{
		{flash.ErrUnknownVolume, ReasonUnknownVolume},
		{flash.ErrDecompress, ReasonDecompress},
		{flash.ErrFormat, ReasonFormat},
		{flash.ErrWrite, ReasonWrite},
		{errors.New("surprise"), ReasonWrite},
		{errUpdate, ReasonUpdate},
	}
	for _, tc := range cases {
		if got := FailReason(tc.err); got != tc.want {
			t.Fatalf("FailReason(%v)=%q want %q", tc.err, got, tc.want)
		}
	}
}
