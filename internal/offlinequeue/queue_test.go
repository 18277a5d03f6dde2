package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/clinicsync/internal/connectivity"
	"github.com/agentworkforce/clinicsync/internal/storage"
)

type recordingExecutor struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]error
}

func (e *recordingExecutor) Execute(_ context.Context, req Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req.Path)
	if err, ok := e.failOn[req.Path]; ok {
		return err
	}
	return nil
}

func (e *recordingExecutor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

type flakyStore struct {
	*storage.MemoryStore
	mu      sync.Mutex
	failSet error
}

func (s *flakyStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	failSet := s.failSet
	s.mu.Unlock()
	if failSet != nil {
		return failSet
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func persistedPaths(t *testing.T, store storage.Store) []string {
	t.Helper()
	raw, ok, err := store.Get(context.Background(), DefaultStorageKey)
	if err != nil {
		t.Fatalf("read persisted queue failed: %v", err)
	}
	if !ok {
		return nil
	}
	var snapshot queueState
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		t.Fatalf("decode persisted queue failed: %v", err)
	}
	paths := make([]string, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		paths = append(paths, item.Path)
	}
	return paths
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newTestQueue(t *testing.T, store storage.Store, exec Executor, sw *connectivity.Switch) *Queue {
	t.Helper()
	q, err := New(context.Background(), Options{Store: store, Executor: exec, Connectivity: sw})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	t.Cleanup(q.Close)
	return q
}

func TestOfflineEnqueueReplaysInOrderWhenOnline(t *testing.T) {
	store := storage.NewMemoryStore()
	exec := &recordingExecutor{}
	sw := connectivity.NewSwitch(false)
	q := newTestQueue(t, store, exec, sw)

	want := []string{"/appointments/1", "/appointments/2", "/appointments/3", "/appointments/4"}
	for _, path := range want {
		if _, err := q.Enqueue(context.Background(), Request{Method: "put", Path: path, Payload: json.RawMessage(`{"status":"completed"}`)}); err != nil {
			t.Fatalf("enqueue %s failed: %v", path, err)
		}
	}
	if calls := exec.Calls(); len(calls) != 0 {
		t.Fatalf("expected no backend calls while offline, got %v", calls)
	}
	if got := persistedPaths(t, store); !equalStrings(got, want) {
		t.Fatalf("expected persisted %v, got %v", want, got)
	}

	sw.Set(true)

	if calls := exec.Calls(); !equalStrings(calls, want) {
		t.Fatalf("expected calls %v in order, got %v", want, calls)
	}
	if got := persistedPaths(t, store); len(got) != 0 {
		t.Fatalf("expected empty persisted queue, got %v", got)
	}
	if q.Depth() != 0 {
		t.Fatalf("expected empty queue, got depth %d", q.Depth())
	}
}

func TestDrainHaltsAtFirstFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	exec := &recordingExecutor{failOn: map[string]error{"/r2": errors.New("network down")}}
	sw := connectivity.NewSwitch(false)
	q := newTestQueue(t, store, exec, sw)

	for _, path := range []string{"/r1", "/r2", "/r3"} {
		if _, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: path}); err != nil {
			t.Fatalf("enqueue %s failed: %v", path, err)
		}
	}
	sw.Set(true)

	if calls := exec.Calls(); !equalStrings(calls, []string{"/r1", "/r2"}) {
		t.Fatalf("expected /r1 then /r2 only, got %v", calls)
	}
	if got := persistedPaths(t, store); !equalStrings(got, []string{"/r2", "/r3"}) {
		t.Fatalf("expected persisted [/r2 /r3], got %v", got)
	}

	delete(exec.failOn, "/r2")
	report, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if report.Sent != 2 || report.Halted != nil {
		t.Fatalf("unexpected report %+v", report)
	}
	if calls := exec.Calls(); !equalStrings(calls, []string{"/r1", "/r2", "/r2", "/r3"}) {
		t.Fatalf("expected /r1 never re-sent, got %v", calls)
	}
}

func TestDrainReportsHaltedRequest(t *testing.T) {
	cause := errors.New("503")
	exec := &recordingExecutor{failOn: map[string]error{"/bad": cause}}
	sw := connectivity.NewSwitch(false)
	q := newTestQueue(t, storage.NewMemoryStore(), exec, sw)
	queued, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: "/bad"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	sw.Set(true)
	report, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if report.Halted == nil || report.Halted.ID != queued.ID || !errors.Is(report.Cause, cause) {
		t.Fatalf("expected halted report for %s, got %+v", queued.ID, report)
	}
}

func TestOfflineTransitionIsNoop(t *testing.T) {
	exec := &recordingExecutor{}
	sw := connectivity.NewSwitch(true)
	q := newTestQueue(t, storage.NewMemoryStore(), exec, sw)
	sw.Set(false)
	if _, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: "/a"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if len(exec.Calls()) != 0 || q.Depth() != 1 {
		t.Fatalf("expected request to stay queued while offline")
	}
}

func TestEnqueueWhileOnlineSendsImmediately(t *testing.T) {
	exec := &recordingExecutor{}
	sw := connectivity.NewSwitch(true)
	q := newTestQueue(t, storage.NewMemoryStore(), exec, sw)
	if _, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: "/appointments/book-with-ai"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if calls := exec.Calls(); !equalStrings(calls, []string{"/appointments/book-with-ai"}) {
		t.Fatalf("expected immediate send, got %v", calls)
	}
}

func TestEnqueueAssignsUniqueIDsAndTimestamps(t *testing.T) {
	sw := connectivity.NewSwitch(false)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	q, err := New(context.Background(), Options{
		Store:        storage.NewMemoryStore(),
		Executor:     &recordingExecutor{},
		Connectivity: sw,
		Now: func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		},
	})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	defer q.Close()

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		queued, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: fmt.Sprintf("/r%d", i)})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		if queued.ID == "" || seen[queued.ID] {
			t.Fatalf("expected fresh id, got %q", queued.ID)
		}
		seen[queued.ID] = true
	}
	pending := q.Pending()
	for i := 1; i < len(pending); i++ {
		if !pending[i].EnqueuedAt.After(pending[i-1].EnqueuedAt) {
			t.Fatalf("expected FIFO by enqueue time at %d", i)
		}
	}
}

func TestEnqueueRejectsInvalidRequests(t *testing.T) {
	q := newTestQueue(t, storage.NewMemoryStore(), &recordingExecutor{}, connectivity.NewSwitch(false))
	cases := []Request{
		{Method: "GET", Path: "/appointments"},
		{Method: "POST", Path: "appointments"},
		{Method: "POST", Path: "/appointments", Payload: json.RawMessage(`{broken`)},
	}
	for _, req := range cases {
		if _, err := q.Enqueue(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected invalid request for %+v, got %v", req, err)
		}
	}
	if q.Depth() != 0 {
		t.Fatalf("expected rejected requests to stay out of the queue")
	}
}

func TestQueueRehydratesAndDrainsOnStartup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client-store.json")
	store, err := storage.NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	offline := connectivity.NewSwitch(false)
	first := newTestQueue(t, store, &recordingExecutor{}, offline)
	for _, p := range []string{"/a", "/b"} {
		if _, err := first.Enqueue(context.Background(), Request{Method: "POST", Path: p}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	first.Close()

	reopened, err := storage.NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen file store failed: %v", err)
	}
	exec := &recordingExecutor{}
	second := newTestQueue(t, reopened, exec, connectivity.NewSwitch(true))
	if calls := exec.Calls(); !equalStrings(calls, []string{"/a", "/b"}) {
		t.Fatalf("expected rehydrated requests replayed on startup, got %v", calls)
	}
	if second.Depth() != 0 {
		t.Fatalf("expected empty queue after startup drain, got %d", second.Depth())
	}
}

func TestPersistenceFailureKeepsRequestInMemory(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	q := newTestQueue(t, store, &recordingExecutor{}, connectivity.NewSwitch(false))
	store.failSet = errors.New("disk full")

	queued, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: "/a"})
	if err == nil {
		t.Fatalf("expected persistence error")
	}
	if queued.ID == "" {
		t.Fatalf("expected stamped request returned alongside the error")
	}
	if q.Depth() != 1 {
		t.Fatalf("expected in-memory queue to keep the request, depth %d", q.Depth())
	}
}

func TestDrainPersistenceFailureIsReturned(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	exec := &recordingExecutor{}
	q := newTestQueue(t, store, exec, connectivity.NewSwitch(true))
	store.failSet = errors.New("disk full")
	if _, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: "/a"}); err == nil {
		t.Fatalf("expected enqueue to surface persistence error")
	}
	store.mu.Lock()
	store.failSet = nil
	store.mu.Unlock()
	report, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if report.Sent != 1 || q.Depth() != 0 {
		t.Fatalf("expected in-memory request to be sent once the store recovers, report %+v", report)
	}
}

func TestConcurrentDrainIsSkipped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var calls int
	var mu sync.Mutex
	exec := ExecutorFunc(func(ctx context.Context, req Request) error {
		mu.Lock()
		calls++
		mu.Unlock()
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	sw := connectivity.NewSwitch(false)
	q := newTestQueue(t, storage.NewMemoryStore(), exec, sw)
	if _, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: "/slow"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	done := make(chan DrainReport, 1)
	go func() {
		sw.Set(true)
		report, _ := q.Drain(context.Background())
		done <- report
	}()
	<-started

	report, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("concurrent drain failed: %v", err)
	}
	if !report.Skipped {
		t.Fatalf("expected concurrent drain to be skipped, got %+v", report)
	}
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one backend call, got %d", calls)
	}
}

func TestClearEmptiesPersistedQueue(t *testing.T) {
	store := storage.NewMemoryStore()
	q := newTestQueue(t, store, &recordingExecutor{}, connectivity.NewSwitch(false))
	if _, err := q.Enqueue(context.Background(), Request{Method: "DELETE", Path: "/appointments/9"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Clear(context.Background()); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if got := persistedPaths(t, store); len(got) != 0 {
		t.Fatalf("expected cleared snapshot, got %v", got)
	}
}

type gatedExecutor struct {
	started chan string
	release chan error
	mu      sync.Mutex
	calls   []string
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{started: make(chan string, 8), release: make(chan error)}
}

func (e *gatedExecutor) Execute(_ context.Context, req Request) error {
	e.mu.Lock()
	e.calls = append(e.calls, req.Path)
	e.mu.Unlock()
	e.started <- req.Path
	return <-e.release
}

func (e *gatedExecutor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func TestInFlightRequestStaysPersistedUntilAcknowledged(t *testing.T) {
	store := storage.NewMemoryStore()
	exec := newGatedExecutor()
	sw := connectivity.NewSwitch(false)
	q := newTestQueue(t, store, exec, sw)
	if _, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: "/a"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sw.Set(true)
		close(done)
	}()
	if path := <-exec.started; path != "/a" {
		t.Fatalf("expected /a in flight, got %s", path)
	}

	if _, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: "/b"}); err != nil {
		t.Fatalf("enqueue during send failed: %v", err)
	}
	if got := persistedPaths(t, store); !equalStrings(got, []string{"/a", "/b"}) {
		t.Fatalf("expected in-flight /a to stay persisted, got %v", got)
	}

	exec.release <- nil
	if path := <-exec.started; path != "/b" {
		t.Fatalf("expected /b next, got %s", path)
	}
	exec.release <- nil
	<-done

	if calls := exec.Calls(); !equalStrings(calls, []string{"/a", "/b"}) {
		t.Fatalf("expected /a then /b, got %v", calls)
	}
	if got := persistedPaths(t, store); len(got) != 0 {
		t.Fatalf("expected empty persisted queue, got %v", got)
	}
}

func TestClearDuringFailedSendStaysCleared(t *testing.T) {
	store := storage.NewMemoryStore()
	exec := newGatedExecutor()
	sw := connectivity.NewSwitch(false)
	q := newTestQueue(t, store, exec, sw)
	if _, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: "/a"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sw.Set(true)
		close(done)
	}()
	<-exec.started

	if err := q.Clear(context.Background()); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	exec.release <- errors.New("503")
	<-done

	if q.Depth() != 0 {
		t.Fatalf("expected cleared queue to stay empty, depth %d", q.Depth())
	}
	if got := persistedPaths(t, store); len(got) != 0 {
		t.Fatalf("expected cleared snapshot, got %v", got)
	}
}

func TestClearDuringSuccessfulSendKeepsLaterRequests(t *testing.T) {
	store := storage.NewMemoryStore()
	exec := newGatedExecutor()
	sw := connectivity.NewSwitch(false)
	q := newTestQueue(t, store, exec, sw)
	if _, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: "/a"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sw.Set(true)
		close(done)
	}()
	<-exec.started

	if err := q.Clear(context.Background()); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), Request{Method: "POST", Path: "/b"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	exec.release <- nil
	if path := <-exec.started; path != "/b" {
		t.Fatalf("expected /b to be sent, got %s", path)
	}
	exec.release <- nil
	<-done

	if calls := exec.Calls(); !equalStrings(calls, []string{"/a", "/b"}) || q.Depth() != 0 {
		t.Fatalf("expected /a then /b with an empty queue, got %v depth %d", calls, q.Depth())
	}
	if got := persistedPaths(t, store); len(got) != 0 {
		t.Fatalf("expected empty persisted queue, got %v", got)
	}
}
