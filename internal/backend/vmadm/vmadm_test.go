package vmadm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vmgate/vmgate/internal/backend"
	"github.com/vmgate/vmgate/internal/vm"
)

const testUUID = "3b9f3e54-8a9c-4d2e-b6f1-2a7c9e1d4f00"

// stubRunner records invocations and plays back canned results.
type stubRunner struct {
	results []result
	calls   [][]string
	stdins  [][]byte
}

func (r *stubRunner) run(_ context.Context, args []string, stdin []byte) (result, error) {
	r.calls = append(r.calls, args)
	r.stdins = append(r.stdins, stdin)
	if len(r.results) == 0 {
		return result{}, nil
	}
	res := r.results[0]
	r.results = r.results[1:]
	return res, nil
}

func testBackend(t *testing.T, runner runner) *Backend {
	t.Helper()
	b := New(Config{ToolPath: "vmadm", ZonesDir: t.TempDir(), Logger: discardLogger()})
	b.tool = runner
	return b
}

func writeZoneFile(t *testing.T, b *Backend, uuid, content string) {
	t.Helper()
	path := filepath.Join(b.zonesDir, uuid+".xml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const plainZoneXML = `<?xml version="1.0"?><zone name="z1"><attr name="alias" type="string" value="db1"/></zone>`
const hiddenZoneXML = `<?xml version="1.0"?><zone name="z1"><attr name="do-not-inventory" type="string" value="true"/></zone>`

func TestExistsProbe(t *testing.T) {
	b := testBackend(t, &stubRunner{})
	ctx := context.Background()

	exists, err := b.Exists(ctx, testUUID, backend.GetOptions{})
	if err != nil || exists {
		t.Fatalf("missing descriptor file: exists=%v err=%v, want false", exists, err)
	}

	writeZoneFile(t, b, testUUID, plainZoneXML)
	exists, err = b.Exists(ctx, testUUID, backend.GetOptions{})
	if err != nil || !exists {
		t.Fatalf("present descriptor file: exists=%v err=%v, want true", exists, err)
	}
}

func TestExistsHiddenMachine(t *testing.T) {
	b := testBackend(t, &stubRunner{})
	ctx := context.Background()
	writeZoneFile(t, b, testUUID, hiddenZoneXML)

	exists, err := b.Exists(ctx, testUUID, backend.GetOptions{})
	if err != nil || exists {
		t.Fatalf("hidden without opt-in: exists=%v err=%v, want false", exists, err)
	}
	exists, err = b.Exists(ctx, testUUID, backend.GetOptions{IncludeDoNotInventory: true})
	if err != nil || !exists {
		t.Fatalf("hidden with opt-in: exists=%v err=%v, want true", exists, err)
	}
}

func TestExistsSurfacesReadErrors(t *testing.T) {
	b := testBackend(t, &stubRunner{})
	// Point the probe at a directory entry to force a non-ErrNotExist error.
	if err := os.MkdirAll(filepath.Join(b.zonesDir, testUUID+".xml"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Exists(context.Background(), testUUID, backend.GetOptions{}); err == nil {
		t.Fatal("expected the read error to surface unmodified")
	}
}

func TestLoadDecodesMachine(t *testing.T) {
	payload := `{"uuid":"` + testUUID + `","brand":"joyent","cpu_cap":200,"cpu_shares":100,"max_lwps":2000,"state":"Running"}`
	runner := &stubRunner{results: []result{{Stdout: payload}}}
	b := testBackend(t, runner)
	writeZoneFile(t, b, testUUID, plainZoneXML)

	machine, err := b.Load(context.Background(), testUUID, backend.GetOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if machine.UUID != testUUID || machine.State != "running" {
		t.Errorf("machine = %+v", machine)
	}
	if got := runner.calls[0]; got[0] != "get" || got[1] != testUUID {
		t.Errorf("tool args = %v", got)
	}
}

func TestLoadMissingMachineFailsNotFound(t *testing.T) {
	b := testBackend(t, &stubRunner{})
	_, err := b.Load(context.Background(), testUUID, backend.GetOptions{})
	if !vm.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestLoadHiddenMachineFailsNotFound(t *testing.T) {
	b := testBackend(t, &stubRunner{})
	writeZoneFile(t, b, testUUID, hiddenZoneXML)
	_, err := b.Load(context.Background(), testUUID, backend.GetOptions{})
	if !vm.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestCreateSendsNormalizedPayload(t *testing.T) {
	runner := &stubRunner{}
	b := testBackend(t, runner)

	machine := &vm.Machine{
		UUID:      testUUID,
		Brand:     "joyent",
		CPUCap:    200,
		CPUShares: 100,
		MaxLWPs:   2000,
	}
	if err := b.Create(context.Background(), machine); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := runner.calls[0]; got[0] != "create" {
		t.Errorf("tool args = %v", got)
	}

	sent := &vm.Machine{}
	if err := json.Unmarshal(runner.stdins[0], sent); err != nil {
		t.Fatalf("decode stdin payload: %v", err)
	}
	if sent.Autoboot == nil || !*sent.Autoboot {
		t.Error("payload missing defaulted autoboot")
	}
	if sent.OwnerUUID != vm.ZeroOwnerUUID {
		t.Errorf("payload owner_uuid = %q", sent.OwnerUUID)
	}
}

func TestCreateRejectsInvalidDescriptor(t *testing.T) {
	runner := &stubRunner{}
	b := testBackend(t, runner)
	err := b.Create(context.Background(), &vm.Machine{UUID: testUUID})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if len(runner.calls) != 0 {
		t.Error("invalid descriptor still reached the tool")
	}
}

func TestStopArguments(t *testing.T) {
	runner := &stubRunner{}
	b := testBackend(t, runner)
	writeZoneFile(t, b, testUUID, plainZoneXML)

	opts := backend.StopOptions{Force: true, Timeout: 45 * time.Second}
	if err := b.Stop(context.Background(), testUUID, opts); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got := strings.Join(runner.calls[0], " ")
	want := "stop " + testUUID + " -F -t 45"
	if got != want {
		t.Errorf("tool args = %q, want %q", got, want)
	}
}

func TestStartArguments(t *testing.T) {
	runner := &stubRunner{}
	b := testBackend(t, runner)
	writeZoneFile(t, b, testUUID, plainZoneXML)

	opts := backend.StartOptions{Order: "cd", Once: "d", CDROMs: []string{"/a.iso,ide"}}
	if err := b.Start(context.Background(), testUUID, opts); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := strings.Join(runner.calls[0], " ")
	want := "start " + testUUID + " order=cd once=d cdrom=/a.iso,ide"
	if got != want {
		t.Errorf("tool args = %q, want %q", got, want)
	}
}

func TestMutationOnMissingMachineSkipsTool(t *testing.T) {
	runner := &stubRunner{}
	b := testBackend(t, runner)

	if err := b.Delete(context.Background(), testUUID); !vm.IsNotFound(err) {
		t.Fatalf("delete err = %v, want NotFound", err)
	}
	if err := b.Reboot(context.Background(), testUUID); !vm.IsNotFound(err) {
		t.Fatalf("reboot err = %v, want NotFound", err)
	}
	if len(runner.calls) != 0 {
		t.Error("tool was invoked despite failed existence pre-check")
	}
}

func TestMutationOnHiddenMachineProceeds(t *testing.T) {
	// Visibility policy lives in the orchestrator; a backend mutation only
	// runs the raw existence check.
	runner := &stubRunner{}
	b := testBackend(t, runner)
	writeZoneFile(t, b, testUUID, hiddenZoneXML)

	if err := b.Reboot(context.Background(), testUUID); err != nil {
		t.Fatalf("reboot: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(runner.calls))
	}
}

func TestToErrorMapping(t *testing.T) {
	b := testBackend(t, &stubRunner{})

	if err := b.toError(testUUID, result{Code: errNotFound}); !vm.IsNotFound(err) {
		t.Errorf("errNotFound mapped to %v", err)
	}
	if err := b.toError(testUUID, result{Code: errNotRunning}); !vm.IsNotRunning(err) {
		t.Errorf("errNotRunning mapped to %v", err)
	}
	err := b.toError(testUUID, result{
		Code:        errUnclassified,
		ExitCode:    2,
		StderrLines: []string{"disk full"},
	})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("unclassified error = %v, want stderr detail", err)
	}
}

func TestListDecodesLookup(t *testing.T) {
	payload := `[{"uuid":"` + testUUID + `","brand":"joyent","cpu_cap":200,"cpu_shares":100,"max_lwps":2000,"state":"Stopped"}]`
	runner := &stubRunner{results: []result{{Stdout: payload}}}
	b := testBackend(t, runner)

	machines, err := b.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(machines) != 1 || machines[0].State != "stopped" {
		t.Errorf("machines = %+v", machines)
	}
	if got := strings.Join(runner.calls[0], " "); got != "lookup -j" {
		t.Errorf("tool args = %q", got)
	}
}

func TestSnapshotArguments(t *testing.T) {
	runner := &stubRunner{}
	b := testBackend(t, runner)
	writeZoneFile(t, b, testUUID, plainZoneXML)

	if err := b.CreateSnapshot(context.Background(), testUUID, "backup1"); err != nil {
		t.Fatalf("create-snapshot: %v", err)
	}
	if got := strings.Join(runner.calls[0], " "); got != "create-snapshot "+testUUID+" backup1" {
		t.Errorf("tool args = %q", got)
	}
}
