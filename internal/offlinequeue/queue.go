package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/clinicsync/internal/connectivity"
	"github.com/agentworkforce/clinicsync/internal/storage"
)

const DefaultStorageKey = "api_queue"

var ErrInvalidRequest = errors.New("invalid queued request")

type Request struct {
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

type Executor interface {
	Execute(ctx context.Context, req Request) error
}

type ExecutorFunc func(ctx context.Context, req Request) error

func (f ExecutorFunc) Execute(ctx context.Context, req Request) error {
	return f(ctx, req)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store        storage.Store
	Executor     Executor
	Connectivity connectivity.Signal
	StorageKey   string
	Logger       Logger
	Now          func() time.Time
}

type DrainReport struct {
	Sent    int
	Skipped bool
	Halted  *Request
	Cause   error
}

type Queue struct {
	store      storage.Store
	executor   Executor
	signal     connectivity.Signal
	storageKey string
	logger     Logger
	now        func() time.Time

	mu          sync.Mutex
	items       []Request
	draining    bool
	unsubscribe func()
}

type queueState struct {
	Items []Request `json:"items"`
}

func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Connectivity == nil {
		return nil, fmt.Errorf("connectivity signal is required")
	}
	storageKey := strings.TrimSpace(opts.StorageKey)
	if storageKey == "" {
		storageKey = DefaultStorageKey
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	q := &Queue{
		store:      opts.Store,
		executor:   opts.Executor,
		signal:     opts.Connectivity,
		storageKey: storageKey,
		logger:     opts.Logger,
		now:        now,
		items:      []Request{},
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	q.unsubscribe = q.signal.Subscribe(q.handleConnectivity)
	if q.signal.Online() {
		if _, err := q.Drain(ctx); err != nil {
			q.logf("offline queue: initial drain failed to persist: %v", err)
		}
	}
	return q, nil
}

// On a persistence error the request stays queued in memory.
func (q *Queue) Enqueue(ctx context.Context, req Request) (Request, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if !isMutatingMethod(method) {
		return Request{}, fmt.Errorf("%w: method %q", ErrInvalidRequest, req.Method)
	}
	path := strings.TrimSpace(req.Path)
	if !strings.HasPrefix(path, "/") {
		return Request{}, fmt.Errorf("%w: path %q", ErrInvalidRequest, req.Path)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return Request{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}
	queued := Request{
		ID:         uuid.NewString(),
		Method:     method,
		Path:       path,
		Payload:    append(json.RawMessage(nil), req.Payload...),
		EnqueuedAt: q.now().UTC(),
	}

	q.mu.Lock()
	q.items = append(q.items, queued)
	saveErr := q.saveLocked(ctx)
	q.mu.Unlock()
	if saveErr != nil {
		return queued, fmt.Errorf("persist queue: %w", saveErr)
	}

	if q.signal.Online() {
		if _, err := q.Drain(ctx); err != nil {
			return queued, err
		}
	}
	return queued, nil
}

// The head stays queued until the executor acknowledges it.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainReport{Skipped: true}, nil
	}
	q.draining = true
	q.mu.Unlock()

	var report DrainReport
	for {
		q.mu.Lock()
		if len(q.items) == 0 || !q.signal.Online() {
			q.draining = false
			q.mu.Unlock()
			return report, nil
		}
		head := q.items[0]
		q.mu.Unlock()

		execErr := q.executor.Execute(ctx, head)

		q.mu.Lock()
		if execErr != nil {
			q.draining = false
			q.mu.Unlock()
			q.logf("offline queue: %s %s (%s) failed, halting drain: %v", head.Method, head.Path, head.ID, execErr)
			halted := head
			report.Halted = &halted
			report.Cause = execErr
			return report, nil
		}
		report.Sent++
		if len(q.items) == 0 || q.items[0].ID != head.ID {
			q.mu.Unlock()
			continue
		}
		q.items = q.items[1:]
		if saveErr := q.saveLocked(ctx); saveErr != nil {
			q.draining = false
			q.mu.Unlock()
			return report, fmt.Errorf("persist queue: %w", saveErr)
		}
		q.mu.Unlock()
	}
}

func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = []Request{}
	return q.saveLocked(ctx)
}

func (q *Queue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Request(nil), q.items...)
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Close() {
	q.mu.Lock()
	unsubscribe := q.unsubscribe
	q.unsubscribe = nil
	q.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (q *Queue) handleConnectivity(online bool) {
	if !online {
		return
	}
	report, err := q.Drain(context.Background())
	if err != nil {
		q.logf("offline queue: drain after reconnect failed to persist: %v", err)
		return
	}
	if report.Sent > 0 {
		q.logf("offline queue: replayed %d request(s) after reconnect", report.Sent)
	}
}

func (q *Queue) load(ctx context.Context) error {
	raw, ok, err := q.store.Get(ctx, q.storageKey)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var snapshot queueState
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return fmt.Errorf("decode queue snapshot: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]Request{}, snapshot.Items...)
	return nil
}

func (q *Queue) saveLocked(ctx context.Context) error {
	data, err := json.Marshal(queueState{Items: q.items})
	if err != nil {
		return err
	}
	return q.store.Set(ctx, q.storageKey, string(data))
}

func (q *Queue) logf(format string, args ...any) {
	if q.logger == nil {
		return
	}
	q.logger.Printf(format, args...)
}

func isMutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
