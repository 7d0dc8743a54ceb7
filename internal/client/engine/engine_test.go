package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"blendsync/internal/client/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── Fake sync server ─────────────────────────────────────────────────────────
// An in-memory record store speaking the same wire contract as the real one:
// versioned rows, compare-and-set writes, cursor pulls.

type fakeServer struct {
	mu     sync.Mutex
	rows   map[string]map[string]map[string]any // entity → id → doc
	clock  time.Time
	nextID int
	fail   bool // when set, every write answers 500
	unauth bool // when set, every request answers 401
	srv    *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{
		rows:  make(map[string]map[string]map[string]any),
		clock: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) tick() string {
	f.clock = f.clock.Add(time.Second)
	return f.clock.Format(time.RFC3339Nano)
}

// seed installs a server row at a given version, outside the HTTP surface.
func (f *fakeServer) seed(entity, id string, version int, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := map[string]any{}
	for k, v := range fields {
		doc[k] = v
	}
	doc["_id"] = id
	doc["syncVersion"] = float64(version)
	doc["deleted"] = false
	doc["lastSyncedAt"] = f.tick()
	if f.rows[entity] == nil {
		f.rows[entity] = make(map[string]map[string]any)
	}
	f.rows[entity][id] = doc
}

func (f *fakeServer) get(entity, id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[entity][id]
}

func (f *fakeServer) count(entity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[entity])
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/"), "/")
	entity := parts[0]

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unauth {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "token expired", "kind": "unauthenticated"})
		return
	}
	if f.fail && r.Method != http.MethodGet {
		http.Error(w, `{"detail":"boom"}`, http.StatusInternalServerError)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		f.list(w, r, entity)
	case r.Method == http.MethodPost && len(parts) == 1:
		f.create(w, r, entity)
	case r.Method == http.MethodPut && len(parts) == 2:
		f.update(w, r, entity, parts[1])
	case r.Method == http.MethodDelete && len(parts) == 2:
		f.del(w, r, entity, parts[1])
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeServer) list(w http.ResponseWriter, r *http.Request, entity string) {
	since, _ := time.Parse(time.RFC3339, r.URL.Query().Get("modifiedSince"))
	var out []map[string]any
	for _, doc := range f.rows[entity] {
		at, _ := time.Parse(time.RFC3339Nano, doc["lastSyncedAt"].(string))
		if at.After(since) {
			out = append(out, doc)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (f *fakeServer) create(w http.ResponseWriter, r *http.Request, entity string) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, `{"detail":"bad json"}`, http.StatusBadRequest)
		return
	}
	if doc["invalid"] == true { // test hook for server-side validation
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "validation failed", "kind": "validation_error"})
		return
	}
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	doc["_id"] = id
	doc["syncVersion"] = float64(1)
	doc["deleted"] = false
	doc["lastSyncedAt"] = f.tick()
	delete(doc, "baseVersion")
	if f.rows[entity] == nil {
		f.rows[entity] = make(map[string]map[string]any)
	}
	f.rows[entity][id] = doc
	writeJSON(w, http.StatusCreated, map[string]any{"data": doc})
}

func (f *fakeServer) update(w http.ResponseWriter, r *http.Request, entity, id string) {
	current, ok := f.rows[entity][id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "record not found"})
		return
	}
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, `{"detail":"bad json"}`, http.StatusBadRequest)
		return
	}
	base, _ := doc["baseVersion"].(float64)
	if base != current["syncVersion"].(float64) {
		writeJSON(w, http.StatusConflict, map[string]any{"detail": "version conflict", "current": current})
		return
	}
	doc["_id"] = id
	doc["syncVersion"] = current["syncVersion"].(float64) + 1
	doc["deleted"] = false
	doc["lastSyncedAt"] = f.tick()
	delete(doc, "baseVersion")
	f.rows[entity][id] = doc
	writeJSON(w, http.StatusOK, map[string]any{"data": doc})
}

func (f *fakeServer) del(w http.ResponseWriter, r *http.Request, entity, id string) {
	current, ok := f.rows[entity][id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "record not found"})
		return
	}
	base, _ := strconv.ParseFloat(r.URL.Query().Get("baseVersion"), 64)
	if base != current["syncVersion"].(float64) {
		writeJSON(w, http.StatusConflict, map[string]any{"detail": "version conflict", "current": current})
		return
	}
	current["deleted"] = true
	current["syncVersion"] = current["syncVersion"].(float64) + 1
	current["lastSyncedAt"] = f.tick()
	writeJSON(w, http.StatusOK, map[string]any{"data": current})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ── Harness ──────────────────────────────────────────────────────────────────

type fakeLink struct {
	online   bool
	failures int
}

func (l *fakeLink) IsOnline() bool { return l.online }
func (l *fakeLink) ReportFailure() { l.failures++ }

func newTestEngine(t *testing.T, f *fakeServer) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	api := NewAPI(f.srv.URL, func(context.Context) (string, error) { return "test-token", nil })
	return New(st, api, nil, Config{PullLimit: 100}), st
}

func serverVersion(t *testing.T, f *fakeServer, entity, id string) float64 {
	t.Helper()
	doc := f.get(entity, id)
	require.NotNil(t, doc)
	return doc["syncVersion"].(float64)
}

// ── Scenarios ────────────────────────────────────────────────────────────────

func TestOfflineSaleReachesServerOnce(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	ctx := context.Background()

	sale := `{"subtotal":"10.00","discount":"0","tax":"0","total":"10.00","paymentMethod":"cash","status":"completed"}`
	require.NoError(t, st.Put(ctx, "sales", "local-sale-1", json.RawMessage(sale)))

	require.NoError(t, eng.RunCycle(ctx))
	assert.Equal(t, 1, f.count("sales"))

	row, err := st.Get(ctx, "sales", "local-sale-1")
	require.NoError(t, err)
	assert.False(t, row.Dirty)
	assert.NotEmpty(t, row.ServerID)
	assert.Equal(t, uint64(1), row.BaseVersion)

	// re-running the cycle must not duplicate the sale
	require.NoError(t, eng.RunCycle(ctx))
	assert.Equal(t, 1, f.count("sales"))
	assert.Equal(t, float64(1), serverVersion(t, f, "sales", row.ServerID))
}

func TestStaleEditOnServerWinsEntityAdoptsServerCopy(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	ctx := context.Background()

	// device synced at v1, then someone else moved the server to v2
	f.seed("products", "p-1", 2, map[string]any{"name": "Widget", "price": "12.00"})
	require.NoError(t, st.Put(ctx, "products", "p-1", json.RawMessage(`{"name":"Widget","price":"9.00"}`)))
	require.NoError(t, st.MarkSynced(ctx, "products", "p-1", "p-1", 1, json.RawMessage(`{"name":"Widget","price":"9.00"}`)))
	require.NoError(t, st.Put(ctx, "products", "p-1", json.RawMessage(`{"name":"Widget","price":"9.50"}`)))

	require.NoError(t, eng.RunCycle(ctx))

	// products default to server-wins: the local edit is discarded
	row, err := st.Get(ctx, "products", "p-1")
	require.NoError(t, err)
	assert.False(t, row.Dirty)
	assert.Equal(t, uint64(2), row.BaseVersion)
	var got map[string]any
	require.NoError(t, json.Unmarshal(row.Payload, &got))
	assert.Equal(t, "12.00", got["price"])
	// and the server version is untouched — no ping-pong writes
	assert.Equal(t, float64(2), serverVersion(t, f, "products", "p-1"))
}

func TestCustomerMergeConvergesWithinOneCycle(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	ctx := context.Background()

	base := `{"name":"Ana","phone":"111","email":"a@x.com"}`
	f.seed("customers", "c-1", 2, map[string]any{"name": "Ana", "phone": "222", "email": "a@x.com"})
	require.NoError(t, st.Put(ctx, "customers", "c-1", json.RawMessage(base)))
	require.NoError(t, st.MarkSynced(ctx, "customers", "c-1", "c-1", 1, json.RawMessage(base)))
	require.NoError(t, st.Put(ctx, "customers", "c-1", json.RawMessage(`{"name":"Ana","phone":"111","email":"ana@x.com"}`)))

	require.NoError(t, eng.RunCycle(ctx))

	// both edits survive on the server
	serverDoc := f.get("customers", "c-1")
	assert.Equal(t, "222", serverDoc["phone"])
	assert.Equal(t, "ana@x.com", serverDoc["email"])
	assert.Equal(t, float64(3), serverDoc["syncVersion"])

	// and the local copy matches it — convergence within the cycle
	row, err := st.Get(ctx, "customers", "c-1")
	require.NoError(t, err)
	assert.False(t, row.Dirty)
	assert.Equal(t, uint64(3), row.BaseVersion)
	var got map[string]any
	require.NoError(t, json.Unmarshal(row.Payload, &got))
	assert.Equal(t, "222", got["phone"])
	assert.Equal(t, "ana@x.com", got["email"])
}

func TestPullIsIdempotentAndCursorAdvances(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	ctx := context.Background()

	f.seed("products", "p-1", 1, map[string]any{"name": "A"})
	f.seed("products", "p-2", 1, map[string]any{"name": "B"})
	f.seed("products", "p-3", 1, map[string]any{"name": "C"})

	require.NoError(t, eng.RunCycle(ctx))
	rows, err := st.List(ctx, "products")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	// nothing new: the cycle must not re-apply or duplicate
	require.NoError(t, eng.RunCycle(ctx))
	rows, err = st.List(ctx, "products")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	f.seed("products", "p-4", 1, map[string]any{"name": "D"})
	require.NoError(t, eng.RunCycle(ctx))
	rows, err = st.List(ctx, "products")
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	cursor, err := st.Cursor(ctx, "products")
	require.NoError(t, err)
	assert.False(t, cursor.IsZero())
}

func TestManualStrategyParksTheRow(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	ctx := context.Background()

	f.seed("credits", "cr-1", 2, map[string]any{"amountPaid": "130.00"})
	require.NoError(t, st.Put(ctx, "credits", "cr-1", json.RawMessage(`{"amountPaid":"100.00"}`)))
	require.NoError(t, st.MarkSynced(ctx, "credits", "cr-1", "cr-1", 1, json.RawMessage(`{"amountPaid":"100.00"}`)))
	require.NoError(t, st.Put(ctx, "credits", "cr-1", json.RawMessage(`{"amountPaid":"120.00"}`)))

	require.NoError(t, eng.RunCycle(ctx))

	parked, err := st.ListNeedsAttention(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "cr-1", parked[0].LocalID)

	// neither side was clobbered while waiting for the operator
	assert.Equal(t, "130.00", f.get("credits", "cr-1")["amountPaid"])

	select {
	case ev := <-eng.Events():
		assert.Equal(t, "credits", ev.Entity)
		assert.Equal(t, "resolver_refusal", string(ev.Kind))
	default:
		t.Fatal("expected a resolver refusal event")
	}
}

func TestDeleteCollidingWithNewerEditParks(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	ctx := context.Background()

	f.seed("sales", "s-1", 2, map[string]any{"status": "completed"})
	require.NoError(t, st.Put(ctx, "sales", "s-1", json.RawMessage(`{"status":"completed"}`)))
	require.NoError(t, st.MarkSynced(ctx, "sales", "s-1", "s-1", 1, json.RawMessage(`{"status":"completed"}`)))
	require.NoError(t, st.Delete(ctx, "sales", "s-1"))

	require.NoError(t, eng.RunCycle(ctx))

	parked, err := st.ListNeedsAttention(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	// the server row survives: destructive intent is never inferred
	assert.Equal(t, false, f.get("sales", "s-1")["deleted"])
}

func TestTransientFailureAbortsAndRetriesCleanly(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "sales", "s-1", json.RawMessage(`{"total":"5.00"}`)))

	f.fail = true
	require.Error(t, eng.RunCycle(ctx))

	// the mutation is still queued, nothing was lost
	dirty, err := st.ListDirty(ctx)
	require.NoError(t, err)
	assert.Len(t, dirty, 1)

	f.fail = false
	require.NoError(t, eng.RunCycle(ctx))
	assert.Equal(t, 1, f.count("sales"))
}

func TestInvalidRowIsParkedNotRetried(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "sales", "bad-1", json.RawMessage(`{"invalid":true}`)))
	require.NoError(t, st.Put(ctx, "sales", "good-1", json.RawMessage(`{"total":"5.00"}`)))

	require.NoError(t, eng.RunCycle(ctx))
	assert.Equal(t, 1, f.count("sales"), "only the valid row uploads")

	// a second cycle must not re-send the invalid row
	require.NoError(t, eng.RunCycle(ctx))
	assert.Equal(t, 1, f.count("sales"))

	row, err := st.Get(ctx, "sales", "bad-1")
	require.NoError(t, err)
	assert.True(t, row.Invalid)
}

func TestServerVersionsNeverRegressLocally(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	ctx := context.Background()

	f.seed("products", "p-1", 3, map[string]any{"name": "A"})
	require.NoError(t, eng.RunCycle(ctx))

	row, err := st.FindByServerID(ctx, "products", "p-1")
	require.NoError(t, err)
	before := row.BaseVersion

	// several more cycles, with and without server churn
	require.NoError(t, eng.RunCycle(ctx))
	f.seed("products", "p-1", 4, map[string]any{"name": "A2"})
	require.NoError(t, eng.RunCycle(ctx))

	row, err = st.FindByServerID(ctx, "products", "p-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, row.BaseVersion, before)
	assert.Equal(t, uint64(4), row.BaseVersion)
}

func TestExpiredTokenLeavesQueueIntact(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	link := &fakeLink{online: true}
	eng.link = link
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "sales", "s-1", json.RawMessage(`{"total":"5.00"}`)))
	require.NoError(t, st.Put(ctx, "products", "p-1", json.RawMessage(`{"name":"A"}`)))

	f.unauth = true
	eng.attempt(ctx)

	// a bad token rejects the session, not the rows: everything stays queued
	dirty, err := st.ListDirty(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 2)
	for _, row := range dirty {
		assert.False(t, row.Invalid)
	}
	assert.Zero(t, link.failures, "a rejected token is not a connectivity outage")

	select {
	case ev := <-eng.Events():
		assert.Equal(t, "unauthenticated", string(ev.Kind))
	default:
		t.Fatal("expected an unauthenticated event")
	}

	// a fresh token drains the untouched queue
	f.unauth = false
	require.NoError(t, eng.RunCycle(ctx))
	assert.Equal(t, 1, f.count("sales"))
	assert.Equal(t, 1, f.count("products"))
}

func TestLocalStorageFailureStaysOffTheLink(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	link := &fakeLink{online: true}
	eng.link = link

	// a dead database makes every local operation fail
	require.NoError(t, st.Close())
	eng.attempt(context.Background())

	assert.Zero(t, link.failures, "a sick disk must not mark the network down")
	select {
	case ev := <-eng.Events():
		assert.Equal(t, "storage_error", string(ev.Kind))
	default:
		t.Fatal("expected a storage failure event")
	}
}

func TestServerOutageMarksLinkDown(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	link := &fakeLink{online: true}
	eng.link = link
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "sales", "s-1", json.RawMessage(`{"total":"5.00"}`)))
	f.fail = true
	eng.attempt(ctx)

	assert.Equal(t, 1, link.failures)
}

func TestJournalBacklogRaisesBanner(t *testing.T) {
	f := newFakeServer(t)
	eng, st := newTestEngine(t, f)
	eng.cfg.JournalSoftCap = 2
	link := &fakeLink{online: false}
	eng.link = link
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.Put(ctx, "sales", "s-1", json.RawMessage(`{"total":"1.00"}`)))
	}
	// offline: the cycle cannot run, the warning still must
	eng.attempt(ctx)

	select {
	case ev := <-eng.Events():
		assert.Equal(t, "backpressure", string(ev.Kind))
		assert.Contains(t, ev.Detail, "3 queued mutations")
	default:
		t.Fatal("expected a backpressure warning")
	}

	// back online: the cycle drains and prunes, the banner clears
	link.online = true
	eng.attempt(ctx)
	for drained := false; !drained; {
		select {
		case <-eng.Events():
		default:
			drained = true
		}
	}
	eng.attempt(ctx)
	select {
	case ev := <-eng.Events():
		t.Fatalf("unexpected %s event after the backlog drained", ev.Kind)
	default:
	}
}

func TestTriggerCoalesces(t *testing.T) {
	f := newFakeServer(t)
	eng, _ := newTestEngine(t, f)

	for i := 0; i < 10; i++ {
		eng.Trigger()
	}
	// the buffered trigger holds at most one pending cycle
	assert.Len(t, eng.trigger, 1)
}
