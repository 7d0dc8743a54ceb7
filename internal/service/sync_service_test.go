package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"blendsync/internal/dto"
	"blendsync/internal/model"
	"blendsync/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ── In-memory SyncRepository stub ────────────────────────────────────────────

type storedRow struct {
	row     model.Syncable
	storeID uuid.UUID
}

type stubSyncRepo struct {
	rows    map[string]map[uuid.UUID]*storedRow // entity → id
	applied [][]byte                            // merged payloads passed to ApplyResolved
}

func newStubSyncRepo() *stubSyncRepo {
	return &stubSyncRepo{rows: make(map[string]map[uuid.UUID]*storedRow)}
}

func (r *stubSyncRepo) put(entity string, storeID uuid.UUID, row model.Syncable) {
	if r.rows[entity] == nil {
		r.rows[entity] = make(map[uuid.UUID]*storedRow)
	}
	r.rows[entity][row.Meta().ID] = &storedRow{row: row, storeID: storeID}
}

func (r *stubSyncRepo) Create(_ context.Context, entity string, storeID uuid.UUID, payload []byte) (repository.WriteOutcome, error) {
	desc, _ := model.Lookup(entity)
	row := desc.New()
	if err := json.Unmarshal(payload, row); err != nil {
		return repository.WriteOutcome{}, err
	}
	meta := row.Meta()
	meta.ID = uuid.New()
	meta.StoreID = storeID
	meta.SyncVersion = 1
	meta.LastSyncedAt = time.Now().UTC()
	r.put(entity, storeID, row)
	return repository.WriteOutcome{Status: repository.WriteAccepted, Row: row}, nil
}

func (r *stubSyncRepo) lookup(entity string, storeID, id uuid.UUID) (*storedRow, repository.WriteStatus) {
	stored := r.rows[entity][id]
	switch {
	case stored == nil:
		return nil, repository.WriteNotFound
	case stored.storeID != storeID:
		return nil, repository.WriteTenantViolation
	default:
		return stored, repository.WriteAccepted
	}
}

func (r *stubSyncRepo) Update(_ context.Context, entity string, storeID, id uuid.UUID, payload []byte, baseVersion uint64) (repository.WriteOutcome, error) {
	stored, status := r.lookup(entity, storeID, id)
	if status != repository.WriteAccepted {
		return repository.WriteOutcome{Status: status}, nil
	}
	if stored.row.Meta().SyncVersion != baseVersion {
		return repository.WriteOutcome{Status: repository.WriteVersionConflict, Row: stored.row}, nil
	}
	if err := json.Unmarshal(payload, stored.row); err != nil {
		return repository.WriteOutcome{}, err
	}
	meta := stored.row.Meta()
	meta.ID, meta.StoreID = id, storeID
	meta.SyncVersion = baseVersion + 1
	meta.LastSyncedAt = time.Now().UTC()
	return repository.WriteOutcome{Status: repository.WriteAccepted, Row: stored.row}, nil
}

func (r *stubSyncRepo) Delete(_ context.Context, entity string, storeID, id uuid.UUID, baseVersion uint64) (repository.WriteOutcome, error) {
	stored, status := r.lookup(entity, storeID, id)
	if status != repository.WriteAccepted {
		return repository.WriteOutcome{Status: status}, nil
	}
	if stored.row.Meta().SyncVersion != baseVersion {
		return repository.WriteOutcome{Status: repository.WriteVersionConflict, Row: stored.row}, nil
	}
	meta := stored.row.Meta()
	meta.Deleted = true
	meta.SyncVersion = baseVersion + 1
	return repository.WriteOutcome{Status: repository.WriteAccepted, Row: stored.row}, nil
}

func (r *stubSyncRepo) Get(_ context.Context, entity string, storeID, id uuid.UUID) (model.Syncable, repository.WriteStatus, error) {
	stored, status := r.lookup(entity, storeID, id)
	if status != repository.WriteAccepted {
		return nil, status, nil
	}
	return stored.row, repository.WriteAccepted, nil
}

func (r *stubSyncRepo) ListModifiedSince(_ context.Context, entity string, storeID uuid.UUID, _ time.Time, _ int) (any, error) {
	if entity == "employees" {
		out := []model.Employee{}
		for _, stored := range r.rows[entity] {
			if stored.storeID == storeID {
				out = append(out, *(stored.row.(*model.Employee)))
			}
		}
		return &out, nil
	}
	desc, _ := model.Lookup(entity)
	return desc.NewSlice(), nil
}

func (r *stubSyncRepo) ApplyResolved(_ context.Context, entity string, storeID, id uuid.UUID, merged []byte, atVersion uint64) (repository.WriteOutcome, error) {
	r.applied = append(r.applied, merged)
	return r.Update(context.Background(), entity, storeID, id, merged, atVersion)
}

func (r *stubSyncRepo) DB() *gorm.DB { return nil }

// ── Audit and aggregate stubs ────────────────────────────────────────────────

type stubAudit struct {
	violations []uuid.UUID
	decisions  []string
}

func (a *stubAudit) TenantViolation(_ context.Context, _ Principal, _ string, id uuid.UUID) {
	a.violations = append(a.violations, id)
}

func (a *stubAudit) ResolverDecision(_ context.Context, _ Principal, _ string, _ uuid.UUID, strategy string) {
	a.decisions = append(a.decisions, strategy)
}

type stubCustomerRepo struct{ recomputed []uuid.UUID }

func (r *stubCustomerRepo) RecomputeAggregates(_ context.Context, _, customerID uuid.UUID) error {
	r.recomputed = append(r.recomputed, customerID)
	return nil
}

type stubProductRepo struct{ reconciled []uuid.UUID }

func (r *stubProductRepo) ReconcileQuantity(_ context.Context, _, productID uuid.UUID) error {
	r.reconciled = append(r.reconciled, productID)
	return nil
}

// ── Harness ──────────────────────────────────────────────────────────────────

type fixture struct {
	svc       SyncService
	repo      *stubSyncRepo
	audit     *stubAudit
	customers *stubCustomerRepo
	products  *stubProductRepo
	principal Principal
}

func newFixture() *fixture {
	repo := newStubSyncRepo()
	audit := &stubAudit{}
	customers := &stubCustomerRepo{}
	products := &stubProductRepo{}
	return &fixture{
		svc:       NewSyncService(repo, customers, products, audit),
		repo:      repo,
		audit:     audit,
		customers: customers,
		products:  products,
		principal: Principal{UserID: uuid.New(), StoreID: uuid.New()},
	}
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestCreateSaleRejectsInconsistentTotal(t *testing.T) {
	f := newFixture()
	payload := `{
		"items":[{"productId":"` + uuid.NewString() + `","qty":2,"price":"5.00"}],
		"subtotal":"10.00","discount":"0","tax":"0","total":"99.00",
		"paymentMethod":"cash","status":"completed",
		"employeeId":"` + uuid.NewString() + `"
	}`

	_, err := f.svc.Create(context.Background(), f.principal, "sales", []byte(payload))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateSaleRejectsUnknownPaymentMethod(t *testing.T) {
	f := newFixture()
	payload := `{"subtotal":"5.00","total":"5.00","paymentMethod":"barter","employeeId":"` + uuid.NewString() + `"}`

	_, err := f.svc.Create(context.Background(), f.principal, "sales", []byte(payload))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateEmployeeHashesPINAndStripsPlaintext(t *testing.T) {
	f := newFixture()
	payload := `{"name":"Maria","role":"cashier","pin":"4321"}`

	out, err := f.svc.Create(context.Background(), f.principal, "employees", []byte(payload))
	require.NoError(t, err)
	require.Equal(t, repository.WriteAccepted, out.Status)

	employee := out.Row.(*model.Employee)
	assert.Empty(t, employee.PIN)
	require.NotEmpty(t, employee.PINHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(employee.PINHash), []byte("4321")))
}

func TestCreateEmployeeRejectsDuplicatePINInStore(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.principal, "employees", []byte(`{"name":"Maria","role":"cashier","pin":"4321"}`))
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, f.principal, "employees", []byte(`{"name":"Pedro","role":"staff","pin":"4321"}`))
	assert.ErrorIs(t, err, ErrValidation)

	// the same PIN under a different store is fine — uniqueness is per tenant
	other := Principal{UserID: uuid.New(), StoreID: uuid.New()}
	_, err = f.svc.Create(ctx, other, "employees", []byte(`{"name":"Pedro","role":"staff","pin":"4321"}`))
	assert.NoError(t, err)
}

func TestCreateCreditDerivesStatus(t *testing.T) {
	f := newFixture()
	due := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339)
	payload := `{"customerId":"` + uuid.NewString() + `","saleId":"` + uuid.NewString() + `",
		"amount":"100.00","amountPaid":"20.00","dueDate":"` + due + `","status":"pending"}`

	out, err := f.svc.Create(context.Background(), f.principal, "credits", []byte(payload))
	require.NoError(t, err)

	credit := out.Row.(*model.Credit)
	assert.Equal(t, model.CreditOverdue, credit.Status, "past-due credit must come back overdue regardless of what the client stamped")
}

func TestUpdateWithStaleVersionReturnsConflictWithCurrent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	out, err := f.svc.Create(ctx, f.principal, "customers", []byte(`{"name":"Ana"}`))
	require.NoError(t, err)
	id := out.Row.Meta().ID

	// move the server to v2
	_, err = f.svc.Update(ctx, f.principal, "customers", id, []byte(`{"name":"Ana Maria"}`), 1)
	require.NoError(t, err)

	// a second device still at v1 must get the current row back, not an error
	out, err = f.svc.Update(ctx, f.principal, "customers", id, []byte(`{"name":"Ana M."}`), 1)
	require.NoError(t, err)
	assert.Equal(t, repository.WriteVersionConflict, out.Status)
	require.NotNil(t, out.Row)
	assert.Equal(t, "Ana Maria", out.Row.(*model.Customer).Name)
}

func TestCrossTenantUpdateIsAudited(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	out, err := f.svc.Create(ctx, f.principal, "customers", []byte(`{"name":"Ana"}`))
	require.NoError(t, err)
	id := out.Row.Meta().ID

	intruder := Principal{UserID: uuid.New(), StoreID: uuid.New()}
	out, err = f.svc.Update(ctx, intruder, "customers", id, []byte(`{"name":"stolen"}`), 1)
	require.NoError(t, err)
	assert.Equal(t, repository.WriteTenantViolation, out.Status)
	assert.Equal(t, []uuid.UUID{id}, f.audit.violations)

	// the row is untouched
	row, status, err := f.svc.Snapshot(ctx, f.principal, "customers", id)
	require.NoError(t, err)
	require.Equal(t, repository.WriteAccepted, status)
	assert.Equal(t, "Ana", row.(*model.Customer).Name)
}

func TestResolveConflictMergesAndAudits(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	customer := &model.Customer{SyncMeta: model.SyncMeta{
		ID: uuid.New(), StoreID: f.principal.StoreID, SyncVersion: 4, LastSyncedAt: time.Now(),
	}, Name: "Ana", TotalOrders: 7, TotalSpent: decimal.RequireFromString("180.00")}
	f.repo.put("customers", f.principal.StoreID, customer)

	clientData, _ := json.Marshal(map[string]any{
		"_id": customer.ID, "name": "Ana", "totalOrders": 6, "totalSpent": "140.00",
	})
	originalData, _ := json.Marshal(map[string]any{
		"_id": customer.ID, "name": "Ana", "totalOrders": 5, "totalSpent": "100.00",
	})

	out, err := f.svc.ResolveConflict(ctx, f.principal, dto.ResolveConflictRequest{
		EntityType:   "customers",
		EntityID:     customer.ID,
		ClientData:   clientData,
		OriginalData: originalData,
	})
	require.NoError(t, err)
	require.Equal(t, repository.WriteAccepted, out.Status)

	merged := out.Row.(*model.Customer)
	// counter takes the max, monetary applies the client delta on the server value
	assert.Equal(t, 7, merged.TotalOrders)
	assert.True(t, merged.TotalSpent.Equal(decimal.RequireFromString("220.00")),
		"want 180 + (140-100) = 220, got %s", merged.TotalSpent)
	assert.Equal(t, uint64(5), merged.SyncVersion)

	require.Len(t, f.audit.decisions, 1)
	assert.Equal(t, "merge-fields", f.audit.decisions[0], "default strategy for customers")
}

func TestResolveConflictManualRefuses(t *testing.T) {
	f := newFixture()
	credit := &model.Credit{SyncMeta: model.SyncMeta{
		ID: uuid.New(), StoreID: f.principal.StoreID, SyncVersion: 2,
	}, Amount: decimal.RequireFromString("100.00")}
	f.repo.put("credits", f.principal.StoreID, credit)

	_, err := f.svc.ResolveConflict(context.Background(), f.principal, dto.ResolveConflictRequest{
		EntityType: "credits",
		EntityID:   credit.ID,
		ClientData: json.RawMessage(`{"amountPaid":"50.00"}`),
	})
	require.Error(t, err)
	assert.Empty(t, f.repo.applied, "manual must apply neither side")
}

func TestAcceptedSaleTriggersCustomerRecompute(t *testing.T) {
	f := newFixture()
	customerID := uuid.New()
	payload := `{"subtotal":"10.00","total":"10.00","paymentMethod":"cash",
		"employeeId":"` + uuid.NewString() + `","customerId":"` + customerID.String() + `"}`

	_, err := f.svc.Create(context.Background(), f.principal, "sales", []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{customerID}, f.customers.recomputed)
}

func TestAcceptedMovementTriggersQuantityReconcile(t *testing.T) {
	f := newFixture()
	productID := uuid.New()
	payload := `{"productId":"` + productID.String() + `","type":"restock","qty":5,"qtyBefore":0,"qtyAfter":5}`

	_, err := f.svc.Create(context.Background(), f.principal, "stock_movements", []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{productID}, f.products.reconciled)
}
