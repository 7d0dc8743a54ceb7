package engine

import (
	"context"
	"encoding/json"
	"time"

	"blendsync/internal/model"
	"blendsync/internal/resolve"

	"github.com/shopspring/decimal"
)

// refreshDerived recomputes locally derived fields after a cycle so the UI
// shows consistent numbers while offline: credit statuses, customer purchase
// aggregates, product quantities from the movement ledger. Only clean rows
// are touched — derived values are the server's to own, never pushed.
func (e *Engine) refreshDerived(ctx context.Context) error {
	if err := e.refreshCreditStatuses(ctx); err != nil {
		return err
	}
	if err := e.refreshCustomerAggregates(ctx); err != nil {
		return err
	}
	return e.refreshProductQuantities(ctx)
}

func (e *Engine) refreshCreditStatuses(ctx context.Context) error {
	rows, err := e.store.List(ctx, "credits")
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, row := range rows {
		if row.Dirty {
			continue
		}
		doc, err := resolve.DecodeDocument(row.Payload)
		if err != nil {
			continue
		}
		credit := model.Credit{Status: docStr(doc, "status")}
		credit.Amount, _ = docDecimal(doc, "amount")
		credit.AmountPaid, _ = docDecimal(doc, "amountPaid")
		if due, ok := docTime(doc, "dueDate"); ok {
			credit.DueDate = due
		}

		derived := credit.DeriveStatus(now)
		if derived == credit.Status {
			continue
		}
		doc["status"] = derived
		if err := e.writeClean(ctx, row.Collection, row.LocalID, doc); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) refreshCustomerAggregates(ctx context.Context) error {
	sales, err := e.store.List(ctx, "sales")
	if err != nil {
		return err
	}

	type agg struct {
		orders    int64
		spent     decimal.Decimal
		lastOrder time.Time
	}
	byCustomer := make(map[string]*agg)
	for _, row := range sales {
		doc, err := resolve.DecodeDocument(row.Payload)
		if err != nil {
			continue
		}
		customerID := docStr(doc, "customerId")
		if customerID == "" || docStr(doc, "status") == model.SaleVoided {
			continue
		}
		a := byCustomer[customerID]
		if a == nil {
			a = &agg{}
			byCustomer[customerID] = a
		}
		a.orders++
		if total, ok := docDecimal(doc, "total"); ok {
			a.spent = a.spent.Add(total)
		}
		if created, ok := docTime(doc, "createdAt"); ok && created.After(a.lastOrder) {
			a.lastOrder = created
		}
	}

	customers, err := e.store.List(ctx, "customers")
	if err != nil {
		return err
	}
	for _, row := range customers {
		if row.Dirty {
			continue
		}
		doc, err := resolve.DecodeDocument(row.Payload)
		if err != nil {
			continue
		}
		a := byCustomer[row.ServerID]
		if a == nil {
			a = &agg{spent: decimal.Zero}
		}

		orders, _ := docDecimal(doc, "totalOrders")
		spent, _ := docDecimal(doc, "totalSpent")
		if orders.IntPart() == a.orders && spent.Equal(a.spent) {
			continue
		}
		doc["totalOrders"] = json.Number(decimal.NewFromInt(a.orders).String())
		doc["totalSpent"] = json.Number(a.spent.StringFixed(2))
		if !a.lastOrder.IsZero() {
			doc["lastOrderDate"] = a.lastOrder.UTC().Format(time.RFC3339Nano)
		}
		if err := e.writeClean(ctx, row.Collection, row.LocalID, doc); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) refreshProductQuantities(ctx context.Context) error {
	movements, err := e.store.List(ctx, "stock_movements")
	if err != nil {
		return err
	}
	totals := make(map[string]decimal.Decimal)
	seen := make(map[string]bool)
	for _, row := range movements {
		doc, err := resolve.DecodeDocument(row.Payload)
		if err != nil {
			continue
		}
		productID := docStr(doc, "productId")
		if productID == "" {
			continue
		}
		qty, _ := docDecimal(doc, "qty")
		totals[productID] = totals[productID].Add(qty)
		seen[productID] = true
	}

	products, err := e.store.List(ctx, "products")
	if err != nil {
		return err
	}
	for _, row := range products {
		// Only products with local ledger entries are recomputed: an empty
		// ledger usually means history was never pulled, not zero stock.
		if row.Dirty || !seen[row.ServerID] {
			continue
		}
		doc, err := resolve.DecodeDocument(row.Payload)
		if err != nil {
			continue
		}
		current, _ := docDecimal(doc, "quantity")
		want := totals[row.ServerID]
		if current.Equal(want) {
			continue
		}
		doc["quantity"] = json.Number(want.String())
		if err := e.writeClean(ctx, row.Collection, row.LocalID, doc); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) writeClean(ctx context.Context, collection, localID string, doc resolve.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return e.store.UpdatePayloadClean(ctx, collection, localID, raw)
}

func docStr(doc resolve.Document, field string) string {
	s, _ := doc[field].(string)
	return s
}

func docDecimal(doc resolve.Document, field string) (decimal.Decimal, bool) {
	switch v := doc[field].(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	default:
		return decimal.Zero, false
	}
}

func docTime(doc resolve.Document, field string) (time.Time, bool) {
	s, ok := doc[field].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err == nil
}
