package lxd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vmgate/vmgate/internal/backend"
	"github.com/vmgate/vmgate/internal/vm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDaemon is an in-process stand-in for the REST daemon: a unix-socket
// HTTP server plus the websocket event feed that settles async operations.
type fakeDaemon struct {
	mu        sync.Mutex
	instances map[string]*instance
	requests  []string
	settle    map[string]opOutcome
	ops       map[string]opOutcome
	nextOp    int
	// settleEarly publishes the terminal feed message before the HTTP
	// envelope is written, so the settlement precedes waiter registration.
	settleEarly bool
	feed        *websocket.Conn
	feedMu      sync.Mutex
}

var upgrader = websocket.Upgrader{}

func startDaemon(t *testing.T) (*fakeDaemon, *Backend) {
	t.Helper()
	d := &fakeDaemon{
		instances: map[string]*instance{},
		settle:    map[string]opOutcome{},
		ops:       map[string]opOutcome{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /1.0/events", d.handleFeed)
	mux.HandleFunc("GET /1.0/operations/{id}", d.handleOperation)
	mux.HandleFunc("GET /1.0/instances", d.handleList)
	mux.HandleFunc("POST /1.0/instances", d.handleCreate)
	mux.HandleFunc("GET /1.0/instances/{name}", d.handleGet)
	mux.HandleFunc("PUT /1.0/instances/{name}", d.handleAsync)
	mux.HandleFunc("DELETE /1.0/instances/{name}", d.handleDelete)
	mux.HandleFunc("PUT /1.0/instances/{name}/state", d.handleState)
	mux.HandleFunc("POST /1.0/instances/{name}/snapshots", d.handleAsync)
	mux.HandleFunc("DELETE /1.0/instances/{name}/snapshots/{snap}", d.handleAsync)

	socket := filepath.Join(t.TempDir(), "daemon.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &http.Server{Handler: mux}
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(func() { _ = server.Close() })

	b := New(Config{SocketPath: socket, NicTags: testNicTags, Logger: discardLogger()})
	t.Cleanup(b.Close)
	return d, b
}

func (d *fakeDaemon) seed(t *testing.T, machine *vm.Machine, status string) {
	t.Helper()
	inst, err := toNative(machine, testNicTags)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	inst.Status = status
	d.mu.Lock()
	d.instances[inst.Name] = inst
	d.mu.Unlock()
}

func (d *fakeDaemon) record(entry string) {
	d.mu.Lock()
	d.requests = append(d.requests, entry)
	d.mu.Unlock()
}

func (d *fakeDaemon) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.requests...)
}

func (d *fakeDaemon) failNext(key string, outcome opOutcome) {
	d.mu.Lock()
	d.settle[key] = outcome
	d.mu.Unlock()
}

func writeSync(w http.ResponseWriter, metadata any) {
	body := map[string]any{"type": "sync", "status": "Success", "status_code": 200}
	if metadata != nil {
		body["metadata"] = metadata
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeNotFound(w http.ResponseWriter) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error", "error_code": 404, "error": "not found",
	})
}

// async answers with an operation envelope and settles it on the feed,
// mimicking the daemon's two-phase mutations. With settleEarly the terminal
// message hits the feed before the envelope leaves the server.
func (d *fakeDaemon) async(w http.ResponseWriter, key string) {
	d.mu.Lock()
	d.nextOp++
	id := fmt.Sprintf("op-%d", d.nextOp)
	outcome, scripted := d.settle[key]
	if !scripted {
		outcome = opOutcome{StatusCode: 200}
	}
	d.ops[id] = opOutcome{StatusCode: 100}
	early := d.settleEarly
	d.mu.Unlock()

	settle := func() {
		d.mu.Lock()
		d.ops[id] = outcome
		d.mu.Unlock()
		d.push(map[string]any{
			"type":      "operation",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"metadata":  map[string]any{"id": id, "status_code": outcome.StatusCode, "err": outcome.Err},
		})
	}
	if early {
		settle()
	} else {
		go func() {
			time.Sleep(50 * time.Millisecond)
			settle()
		}()
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":        "async",
		"status_code": 100,
		"operation":   "/1.0/operations/" + id,
		"metadata":    map[string]any{"id": id, "class": "task", "status_code": 100},
	})
}

// push writes one feed message, waiting briefly for the subscription that
// every mutation establishes first.
func (d *fakeDaemon) push(msg any) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		feed := d.feed
		d.mu.Unlock()
		if feed != nil {
			d.feedMu.Lock()
			_ = feed.WriteJSON(msg)
			d.feedMu.Unlock()
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (d *fakeDaemon) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.feed = conn
	d.mu.Unlock()
}

// handleOperation serves an operation's current record. Status re-checks
// are not recorded so mutation sequence assertions see only mutations.
func (d *fakeDaemon) handleOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d.mu.Lock()
	outcome, ok := d.ops[id]
	d.mu.Unlock()
	if !ok {
		writeNotFound(w)
		return
	}
	writeSync(w, map[string]any{
		"id": id, "class": "task", "status_code": outcome.StatusCode, "err": outcome.Err,
	})
}

func (d *fakeDaemon) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d.record("GET " + r.URL.Path)
	d.mu.Lock()
	inst, ok := d.instances[name]
	d.mu.Unlock()
	if !ok {
		writeNotFound(w)
		return
	}
	writeSync(w, inst)
}

func (d *fakeDaemon) handleList(w http.ResponseWriter, r *http.Request) {
	d.record("GET " + r.URL.Path)
	d.mu.Lock()
	instances := make([]*instance, 0, len(d.instances))
	for _, inst := range d.instances {
		instances = append(instances, inst)
	}
	d.mu.Unlock()
	writeSync(w, instances)
}

func (d *fakeDaemon) handleCreate(w http.ResponseWriter, r *http.Request) {
	d.record("POST " + r.URL.Path)
	inst := &instance{}
	if err := json.NewDecoder(r.Body).Decode(inst); err != nil {
		writeNotFound(w)
		return
	}
	inst.Status = "Stopped"
	d.mu.Lock()
	d.instances[inst.Name] = inst
	d.mu.Unlock()
	d.async(w, "create")
}

func (d *fakeDaemon) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d.record("DELETE " + r.URL.Path)
	d.mu.Lock()
	delete(d.instances, name)
	d.mu.Unlock()
	d.async(w, "delete")
}

func (d *fakeDaemon) handleState(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Action string `json:"action"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	d.record("PUT " + r.URL.Path + " " + body.Action)

	d.mu.Lock()
	inst, ok := d.instances[name]
	if ok {
		switch body.Action {
		case "start", "restart":
			inst.Status = "Running"
		case "stop":
			inst.Status = "Stopped"
		}
	}
	d.mu.Unlock()
	if !ok {
		writeNotFound(w)
		return
	}
	d.async(w, "state:"+body.Action)
}

func (d *fakeDaemon) handleAsync(w http.ResponseWriter, r *http.Request) {
	d.record(r.Method + " " + r.URL.Path)
	d.async(w, r.Method+" "+r.URL.Path)
}

func TestExistsAndLoad(t *testing.T) {
	d, b := startDaemon(t)
	ctx := context.Background()
	d.seed(t, testMachine(), "Stopped")

	exists, err := b.Exists(ctx, testUUID, backend.GetOptions{})
	if err != nil || !exists {
		t.Fatalf("exists=%v err=%v, want true", exists, err)
	}
	exists, err = b.Exists(ctx, "00000000-0000-4000-8000-000000000001", backend.GetOptions{})
	if err != nil || exists {
		t.Fatalf("absent machine: exists=%v err=%v, want false", exists, err)
	}

	machine, err := b.Load(ctx, testUUID, backend.GetOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if machine.UUID != testUUID || machine.State != vm.StateStopped {
		t.Errorf("machine = %+v", machine)
	}

	if _, err := b.Load(ctx, "00000000-0000-4000-8000-000000000001", backend.GetOptions{}); !vm.IsNotFound(err) {
		t.Errorf("absent load err = %v, want NotFound", err)
	}
}

func TestHiddenMachineVisibility(t *testing.T) {
	d, b := startDaemon(t)
	ctx := context.Background()
	hidden := testMachine()
	hidden.DoNotInventory = true
	d.seed(t, hidden, "Stopped")

	exists, err := b.Exists(ctx, testUUID, backend.GetOptions{})
	if err != nil || exists {
		t.Fatalf("hidden without opt-in: exists=%v err=%v", exists, err)
	}
	exists, err = b.Exists(ctx, testUUID, backend.GetOptions{IncludeDoNotInventory: true})
	if err != nil || !exists {
		t.Fatalf("hidden with opt-in: exists=%v err=%v", exists, err)
	}

	if _, err := b.Load(ctx, testUUID, backend.GetOptions{}); !vm.IsNotFound(err) {
		t.Errorf("hidden load err = %v, want NotFound", err)
	}
	if _, err := b.Load(ctx, testUUID, backend.GetOptions{IncludeDoNotInventory: true}); err != nil {
		t.Errorf("hidden load with opt-in: %v", err)
	}
}

func TestCreateBootsWhenAutobootEnabled(t *testing.T) {
	d, b := startDaemon(t)

	if err := b.Create(context.Background(), testMachine()); err != nil {
		t.Fatalf("create: %v", err)
	}

	requests := d.recorded()
	if len(requests) != 2 ||
		requests[0] != "POST /1.0/instances" ||
		requests[1] != "PUT /1.0/instances/"+namePrefix+testUUID+"/state start" {
		t.Errorf("requests = %v", requests)
	}
}

func TestCreateSkipsBootWhenAutobootDisabled(t *testing.T) {
	d, b := startDaemon(t)
	machine := testMachine()
	disabled := false
	machine.Autoboot = &disabled

	if err := b.Create(context.Background(), machine); err != nil {
		t.Fatalf("create: %v", err)
	}
	if requests := d.recorded(); len(requests) != 1 || requests[0] != "POST /1.0/instances" {
		t.Errorf("requests = %v", requests)
	}
}

func TestCreateFailsWhenBootFails(t *testing.T) {
	d, b := startDaemon(t)
	d.failNext("state:start", opOutcome{StatusCode: 400, Err: "boot device missing"})

	err := b.Create(context.Background(), testMachine())
	if err == nil || !strings.Contains(err.Error(), "boot device missing") {
		t.Fatalf("err = %v, want boot failure detail", err)
	}
	// The created instance survives the failed boot phase.
	d.mu.Lock()
	_, present := d.instances[namePrefix+testUUID]
	d.mu.Unlock()
	if !present {
		t.Error("instance removed after failed boot")
	}
}

func TestDeleteStopsRunningInstanceFirst(t *testing.T) {
	d, b := startDaemon(t)
	d.seed(t, testMachine(), "Running")

	if err := b.Delete(context.Background(), testUUID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	name := namePrefix + testUUID
	want := []string{
		"GET /1.0/instances/" + name,
		"PUT /1.0/instances/" + name + "/state stop",
		"DELETE /1.0/instances/" + name,
	}
	requests := d.recorded()
	if len(requests) != len(want) {
		t.Fatalf("requests = %v", requests)
	}
	for i := range want {
		if requests[i] != want[i] {
			t.Errorf("requests[%d] = %q, want %q", i, requests[i], want[i])
		}
	}
}

func TestDeleteStoppedInstanceSkipsStop(t *testing.T) {
	d, b := startDaemon(t)
	d.seed(t, testMachine(), "Stopped")

	if err := b.Delete(context.Background(), testUUID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, req := range d.recorded() {
		if strings.Contains(req, "/state") {
			t.Errorf("stopped instance still got a state change: %v", d.recorded())
		}
	}
}

func TestStateOperations(t *testing.T) {
	d, b := startDaemon(t)
	ctx := context.Background()
	d.seed(t, testMachine(), "Stopped")

	if err := b.Start(ctx, testUUID, backend.StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.Reboot(ctx, testUUID); err != nil {
		t.Fatalf("reboot: %v", err)
	}
	if err := b.Stop(ctx, testUUID, backend.StopOptions{Force: true}); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var actions []string
	for _, req := range d.recorded() {
		if i := strings.Index(req, "/state "); i >= 0 {
			actions = append(actions, req[i+len("/state "):])
		}
	}
	if strings.Join(actions, ",") != "start,restart,stop" {
		t.Errorf("actions = %v", actions)
	}
}

func TestOperationSettledBeforeEnvelope(t *testing.T) {
	d, b := startDaemon(t)
	d.seed(t, testMachine(), "Stopped")
	d.mu.Lock()
	d.settleEarly = true
	d.mu.Unlock()

	// The terminal feed message precedes the envelope, so no waiter is
	// registered when it arrives; the mutation must still settle.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Start(ctx, testUUID, backend.StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	d.failNext("state:stop", opOutcome{StatusCode: 400, Err: "disk detach failed"})
	err := b.Stop(ctx, testUUID, backend.StopOptions{})
	if err == nil || !strings.Contains(err.Error(), "disk detach failed") {
		t.Fatalf("stop err = %v, want settlement failure detail", err)
	}
}

func TestStateOperationOnAbsentMachine(t *testing.T) {
	_, b := startDaemon(t)
	if err := b.Start(context.Background(), testUUID, backend.StartOptions{}); !vm.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestListSkipsForeignInstances(t *testing.T) {
	d, b := startDaemon(t)
	d.seed(t, testMachine(), "Running")
	d.mu.Lock()
	d.instances["unrelated-container"] = &instance{
		Name:   "unrelated-container",
		Status: "Running",
		Config: map[string]string{},
	}
	d.mu.Unlock()

	machines, err := b.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(machines) != 1 || machines[0].UUID != testUUID {
		t.Errorf("machines = %+v", machines)
	}
}

func TestPassthroughsNotImplemented(t *testing.T) {
	_, b := startDaemon(t)
	ctx := context.Background()
	if err := b.Kill(ctx, testUUID, "SIGTERM"); !vm.IsNotImplemented(err) {
		t.Errorf("kill err = %v", err)
	}
	if _, err := b.Info(ctx, testUUID); !vm.IsNotImplemented(err) {
		t.Errorf("info err = %v", err)
	}
	if err := b.Reprovision(ctx, testUUID, testImageUUID); !vm.IsNotImplemented(err) {
		t.Errorf("reprovision err = %v", err)
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	d, b := startDaemon(t)
	ctx := context.Background()
	d.seed(t, testMachine(), "Running")

	if err := b.CreateSnapshot(ctx, testUUID, "backup1"); err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if err := b.DeleteSnapshot(ctx, testUUID, "backup1"); err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}

	name := namePrefix + testUUID
	var paths []string
	for _, req := range d.recorded() {
		if strings.Contains(req, "/snapshots") {
			paths = append(paths, req)
		}
	}
	want := []string{
		"POST /1.0/instances/" + name + "/snapshots",
		"DELETE /1.0/instances/" + name + "/snapshots/backup1",
	}
	if strings.Join(paths, "|") != strings.Join(want, "|") {
		t.Errorf("snapshot requests = %v", paths)
	}
}

func TestEventsDeliversLifecycleMessages(t *testing.T) {
	d, b := startDaemon(t)

	all := make(chan backend.Event, 4)
	stream, err := b.Events(context.Background(), "", func(e backend.Event) { all <- e })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Stop()

	other := make(chan backend.Event, 4)
	filtered, err := b.Events(context.Background(), "00000000-0000-4000-8000-000000000001", func(e backend.Event) { other <- e })
	if err != nil {
		t.Fatalf("subscribe filtered: %v", err)
	}
	defer filtered.Stop()

	d.push(map[string]any{
		"type":      "lifecycle",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"metadata": map[string]any{
			"action": "instance-started",
			"source": "/1.0/instances/" + namePrefix + testUUID,
		},
	})

	select {
	case e := <-all:
		if e.Type != "instance-started" || e.UUID != testUUID {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case e := <-other:
		t.Fatalf("filtered subscriber got event for another machine: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}
