// Package engine runs the device's sync loop: push local mutations, pull
// server changes, resolve what collided, refresh derived fields. One engine
// per open store database; cycles never overlap.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"blendsync/internal/apierror"
	"blendsync/internal/client/store"
	"blendsync/internal/model"
	"blendsync/internal/resolve"

	"github.com/rs/zerolog/log"
)

// Phase is the engine's observable state.
type Phase int32

const (
	Idle Phase = iota
	Pushing
	Pulling
	Resolving
	Aggregating
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Pushing:
		return "pushing"
	case Pulling:
		return "pulling"
	case Resolving:
		return "resolving"
	case Aggregating:
		return "aggregating"
	default:
		return "unknown"
	}
}

// Event is one observable sync incident: a rejected row, a parked conflict,
// a resolver decision. The UI subscribes to surface these to the operator.
type Event struct {
	Time    time.Time
	Phase   Phase
	Kind    apierror.Kind
	Entity  string
	LocalID string
	Detail  string
}

// Link is what the engine needs from the connectivity supervisor.
type Link interface {
	IsOnline() bool
	ReportFailure()
}

// Config holds engine tunables.
type Config struct {
	Interval   time.Duration // poll period (default: 60s)
	PullLimit  int           // page size for pulls (default: 500)
	BackoffMin time.Duration // first retry delay after a transient failure (default: 1s)
	BackoffMax time.Duration // retry delay ceiling (default: 60s)

	// JournalSoftCap is the journal size past which the engine raises a
	// backpressure event, typically after a long offline stretch
	// (default: 10000). Syncing continues regardless.
	JournalSoftCap int
}

func DefaultConfig() Config {
	return Config{
		Interval:       60 * time.Second,
		PullLimit:      500,
		BackoffMin:     time.Second,
		BackoffMax:     60 * time.Second,
		JournalSoftCap: 10000,
	}
}

// Engine drives sync cycles against one local store.
type Engine struct {
	store *store.Store
	api   *API
	link  Link
	cfg   Config

	trigger chan struct{}
	events  chan Event
	phase   atomic.Int32
	backoff time.Duration
}

func New(st *store.Store, api *API, link Link, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = 500
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.JournalSoftCap <= 0 {
		cfg.JournalSoftCap = 10000
	}
	return &Engine{
		store:   st,
		api:     api,
		link:    link,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		events:  make(chan Event, 64),
	}
}

// Phase returns the engine's current phase.
func (e *Engine) Phase() Phase { return Phase(e.phase.Load()) }

// Events is the engine's incident stream. Slow consumers lose events rather
// than stalling the sync loop.
func (e *Engine) Events() <-chan Event { return e.events }

// Trigger requests a cycle as soon as possible. Multiple triggers while a
// cycle runs coalesce into one follow-up cycle.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run polls on the configured interval until ctx is cancelled. Triggers
// (local mutation, connectivity restored) start a cycle immediately. After a
// transient failure the next attempt waits for an exponentially growing,
// jittered delay instead of the full interval.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		var retry <-chan time.Time
		if e.backoff > 0 {
			retry = time.After(jitter(e.backoff))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.trigger:
		case <-retry:
		}
		e.attempt(ctx)
	}
}

func (e *Engine) attempt(ctx context.Context) {
	e.warnBacklog(ctx)
	if e.link != nil && !e.link.IsOnline() {
		return
	}
	if err := e.RunCycle(ctx); err != nil {
		switch kind := classify(err); kind {
		case apierror.KindUnauthenticated, apierror.KindStorage:
			// Neither is a connectivity problem. Keep the link state honest
			// and surface the failure to the operator instead.
			e.emit(Event{Time: time.Now(), Phase: e.Phase(), Kind: kind, Detail: err.Error()})
		default:
			if e.link != nil {
				e.link.ReportFailure()
			}
		}
		if e.backoff == 0 {
			e.backoff = e.cfg.BackoffMin
		} else if e.backoff *= 2; e.backoff > e.cfg.BackoffMax {
			e.backoff = e.cfg.BackoffMax
		}
		log.Warn().Err(err).Dur("retry_in", e.backoff).Msg("sync cycle failed")
		return
	}
	e.backoff = 0
}

// warnBacklog raises a banner event once the journal outgrows its soft cap.
// Checked before the online gate so a long-offline device still warns.
func (e *Engine) warnBacklog(ctx context.Context) {
	n, err := e.store.JournalCount(ctx)
	if err != nil || n <= e.cfg.JournalSoftCap {
		return
	}
	e.emit(Event{
		Time: time.Now(), Phase: e.Phase(), Kind: apierror.KindBackpressure,
		Detail: fmt.Sprintf("%d queued mutations exceed the soft cap of %d", n, e.cfg.JournalSoftCap),
	})
}

// classify maps a cycle failure onto the error taxonomy. Anything that is not
// provably local storage or a rejected session counts as network trouble.
func classify(err error) apierror.Kind {
	var se *StatusError
	switch {
	case errors.Is(err, store.ErrStorage):
		return apierror.KindStorage
	case errors.As(err, &se):
		return se.Kind
	default:
		return apierror.KindTransientNetwork
	}
}

// RunCycle executes one full cycle: push, pull, resolve, re-push merged rows,
// refresh derived fields. Any transient failure aborts the cycle; everything
// already applied stays applied, and the next cycle picks up from the same
// durable state. Exposed for tests and for one-shot CLI sync.
func (e *Engine) RunCycle(ctx context.Context) error {
	defer e.phase.Store(int32(Idle))

	journalMark, err := e.store.LastJournalSeq(ctx)
	if err != nil {
		return err
	}

	e.phase.Store(int32(Pushing))
	conflicts, err := e.push(ctx)
	if err != nil {
		return err
	}

	e.phase.Store(int32(Pulling))
	pulled, err := e.pull(ctx)
	if err != nil {
		return err
	}
	conflicts = append(conflicts, pulled...)

	if len(conflicts) > 0 {
		e.phase.Store(int32(Resolving))
		if err := e.resolveAll(ctx, conflicts); err != nil {
			return err
		}
		// Merged rows are dirty again; upload them now so both sides
		// converge within the cycle instead of one poll later.
		e.phase.Store(int32(Pushing))
		if _, err := e.push(ctx); err != nil {
			return err
		}
	}

	e.phase.Store(int32(Aggregating))
	if err := e.refreshDerived(ctx); err != nil {
		return err
	}

	if err := e.store.SetLastSyncAt(ctx, time.Now().UTC()); err != nil {
		return err
	}
	// Journal entries covered by this cycle are durable on the server now.
	return e.store.PruneJournal(ctx, journalMark)
}

// conflict pairs a dirty local row with the server copy it collided with.
type conflict struct {
	entity string
	local  store.Row
	server json.RawMessage
}

// push drains the coalesced dirty queue. Transient failures abort the whole
// phase (order matters: later rows may depend on earlier ones); terminal
// rejections park the row and move on.
func (e *Engine) push(ctx context.Context) ([]conflict, error) {
	rows, err := e.store.ListDirty(ctx)
	if err != nil {
		return nil, err
	}

	var conflicts []conflict
	for _, row := range rows {
		if row.Deleted && row.ServerID == "" {
			// Created and deleted within one offline window: nothing to say.
			if err := e.store.DropSynced(ctx, row.Collection, row.LocalID); err != nil {
				return nil, err
			}
			continue
		}

		res, err := e.pushRow(ctx, row)
		if err != nil {
			return nil, err
		}

		switch res.Status {
		case PushAccepted:
			if row.Deleted {
				err = e.store.DropSynced(ctx, row.Collection, row.LocalID)
			} else {
				var meta serverMeta
				if meta, err = parseServerMeta(res.Row); err == nil {
					err = e.store.MarkSynced(ctx, row.Collection, row.LocalID, meta.ID, meta.SyncVersion, res.Row)
				}
			}
			if err != nil {
				return nil, err
			}
		case PushConflict:
			if row.Deleted {
				// A delete racing a newer edit is never resolved silently.
				if err := e.park(ctx, row, "delete conflicts with a newer server edit"); err != nil {
					return nil, err
				}
				continue
			}
			conflicts = append(conflicts, conflict{entity: row.Collection, local: row, server: res.Current})
		case PushInvalid:
			if err := e.reject(ctx, row, apierror.KindValidation, res.Detail); err != nil {
				return nil, err
			}
		case PushForbidden:
			if err := e.reject(ctx, row, apierror.KindTenantViolation, res.Detail); err != nil {
				return nil, err
			}
		case PushUnauthenticated:
			// The token is bad for the whole session, not for this row.
			// Leave the queue untouched; a fresh token re-drains it.
			return nil, &StatusError{
				Kind: apierror.KindUnauthenticated, Status: http.StatusUnauthorized, Detail: res.Detail,
			}
		case PushNotFound:
			// The server no longer has this row; drop the local copy too.
			if err := e.store.DropSynced(ctx, row.Collection, row.LocalID); err != nil {
				return nil, err
			}
		case PushTransient:
			return nil, fmt.Errorf("push %s/%s: %s", row.Collection, row.LocalID, res.Detail)
		}
	}
	return conflicts, nil
}

func (e *Engine) pushRow(ctx context.Context, row store.Row) (PushResult, error) {
	switch row.Op() {
	case "create":
		return e.api.Create(ctx, row.Collection, row.Payload)
	case "delete":
		return e.api.Delete(ctx, row.Collection, row.ServerID, row.BaseVersion)
	default:
		payload, err := withBaseVersion(row.Payload, row.BaseVersion)
		if err != nil {
			return PushResult{}, err
		}
		return e.api.Update(ctx, row.Collection, row.ServerID, payload)
	}
}

// pull walks every collection's cursor forward, applying server rows into the
// working copy. Rows colliding with local dirty state come back as conflicts.
func (e *Engine) pull(ctx context.Context) ([]conflict, error) {
	var conflicts []conflict
	for _, entity := range model.Entities() {
		cursor, err := e.store.Cursor(ctx, entity)
		if err != nil {
			return nil, err
		}
		for {
			page, err := e.api.List(ctx, entity, cursor, e.cfg.PullLimit)
			if err != nil {
				return nil, fmt.Errorf("pull %s: %w", entity, err)
			}
			if len(page) == 0 {
				break
			}
			for _, raw := range page {
				meta, err := parseServerMeta(raw)
				if err != nil {
					return nil, fmt.Errorf("pull %s: %w", entity, err)
				}
				local, collided, err := e.store.ApplyServerRow(ctx, entity, meta.ID, meta.SyncVersion, meta.Deleted, raw)
				if err != nil {
					return nil, err
				}
				if collided {
					conflicts = append(conflicts, conflict{entity: entity, local: *local, server: raw})
				}
				if meta.LastSyncedAt.After(cursor) {
					cursor = meta.LastSyncedAt
				}
			}
			// Cursor is durable per page: a crash mid-pull resumes, and
			// replayed rows apply idempotently.
			if err := e.store.SetCursor(ctx, entity, cursor); err != nil {
				return nil, err
			}
			if len(page) < e.cfg.PullLimit {
				break
			}
		}
	}
	return conflicts, nil
}

// resolveAll merges each collision under the entity's default strategy.
// Server-wins adopts the server copy outright; other strategies leave the
// merged row dirty for the follow-up push. Manual (and every delete
// collision) parks the row for the operator.
func (e *Engine) resolveAll(ctx context.Context, conflicts []conflict) error {
	for _, c := range conflicts {
		if err := e.resolveOne(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resolveOne(ctx context.Context, c conflict) error {
	desc, ok := model.Lookup(c.entity)
	if !ok {
		return fmt.Errorf("resolve: unknown entity %q", c.entity)
	}

	meta, err := parseServerMeta(c.server)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", c.entity, err)
	}

	if c.local.Deleted || meta.Deleted {
		return e.park(ctx, c.local, "delete/update collision")
	}

	serverDoc, err := resolve.DecodeDocument(c.server)
	if err != nil {
		return err
	}
	clientDoc, err := resolve.DecodeDocument(c.local.Payload)
	if err != nil {
		return err
	}
	var originalDoc resolve.Document
	if len(c.local.Original) > 0 {
		if originalDoc, err = resolve.DecodeDocument(c.local.Original); err != nil {
			return err
		}
	}

	merged, err := resolve.Resolve(desc.DefaultStrategy, c.entity, serverDoc, clientDoc, originalDoc)
	if errors.Is(err, resolve.ErrManual) {
		return e.park(ctx, c.local, "strategy requires manual resolution")
	}
	if err != nil {
		return err
	}

	e.emit(Event{
		Time: time.Now(), Phase: Resolving, Kind: apierror.KindVersionConflict,
		Entity: c.entity, LocalID: c.local.LocalID,
		Detail: "resolved with " + desc.DefaultStrategy,
	})

	if desc.DefaultStrategy == resolve.ServerWins {
		// Nothing of ours survives; adopt the server copy and go clean.
		return e.store.MarkSynced(ctx, c.entity, c.local.LocalID, meta.ID, meta.SyncVersion, c.server)
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return e.store.StoreMerged(ctx, c.entity, c.local.LocalID, meta.ID, meta.SyncVersion, raw, c.server)
}

func (e *Engine) park(ctx context.Context, row store.Row, detail string) error {
	e.emit(Event{
		Time: time.Now(), Phase: Resolving, Kind: apierror.KindResolverRefusal,
		Entity: row.Collection, LocalID: row.LocalID, Detail: detail,
	})
	return e.store.MarkNeedsAttention(ctx, row.Collection, row.LocalID)
}

func (e *Engine) reject(ctx context.Context, row store.Row, kind apierror.Kind, detail string) error {
	e.emit(Event{
		Time: time.Now(), Phase: Pushing, Kind: kind,
		Entity: row.Collection, LocalID: row.LocalID, Detail: detail,
	})
	return e.store.MarkInvalid(ctx, row.Collection, row.LocalID)
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// serverMeta is the bookkeeping slice of a server row.
type serverMeta struct {
	ID           string    `json:"_id"`
	SyncVersion  uint64    `json:"syncVersion"`
	Deleted      bool      `json:"deleted"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

func parseServerMeta(raw json.RawMessage) (serverMeta, error) {
	var m serverMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("malformed server row: %w", err)
	}
	if m.ID == "" {
		return m, errors.New("server row missing _id")
	}
	return m, nil
}

// withBaseVersion injects the compare-and-set witness into an upload payload.
func withBaseVersion(payload json.RawMessage, baseVersion uint64) (json.RawMessage, error) {
	doc, err := resolve.DecodeDocument(payload)
	if err != nil {
		return nil, err
	}
	doc["baseVersion"] = json.Number(fmt.Sprintf("%d", baseVersion))
	return json.Marshal(doc)
}

// jitter spreads a delay ±20% so a fleet of devices recovering together does
// not stampede the server.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
