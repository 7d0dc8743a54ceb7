package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"blendsync/internal/model"

	"golang.org/x/crypto/bcrypt"
)

var pinPattern = regexp.MustCompile(`^\d{4}$`)

// checkPINUnique enforces per-tenant PIN uniqueness. Hashes are not queryable,
// so the tenant's employees (a handful per store) are compared one by one.
func (s *syncService) checkPINUnique(ctx context.Context, p Principal, payload []byte) error {
	var incoming model.Employee
	if err := json.Unmarshal(payload, &incoming); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if incoming.PIN == "" {
		return nil
	}

	rows, err := s.repo.ListModifiedSince(ctx, "employees", p.StoreID, time.Time{}, 0)
	if err != nil {
		return err
	}
	employees, _ := rows.(*[]model.Employee)
	if employees == nil {
		return nil
	}
	for i := range *employees {
		e := &(*employees)[i]
		if e.Meta().Deleted || e.PINHash == "" {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(e.PINHash), []byte(incoming.PIN)) == nil {
			return fmt.Errorf("%w: pin already in use within this store", ErrValidation)
		}
	}
	return nil
}

// prepare enforces the per-entity invariants of §3 before a payload reaches
// the record store, and canonicalizes fields the client must not control
// (credit status, employee PIN hashes). Returns the payload to persist.
func (s *syncService) prepare(entity string, payload []byte, isCreate bool) ([]byte, error) {
	switch entity {
	case "sales":
		return payload, validateSale(payload)
	case "credits":
		return canonicalizeCredit(payload)
	case "employees":
		return prepareEmployee(payload, isCreate)
	case "products":
		return payload, validateProduct(payload)
	default:
		return payload, nil
	}
}

func validateSale(payload []byte) error {
	var sale model.Sale
	if err := json.Unmarshal(payload, &sale); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	switch sale.PaymentMethod {
	case "", model.PayCash, model.PayCard, model.PayCredit:
	default:
		return fmt.Errorf("%w: unknown payment method %q", ErrValidation, sale.PaymentMethod)
	}
	switch sale.Status {
	case "", model.SaleCompleted, model.SaleVoided, model.SaleRefunded:
	default:
		return fmt.Errorf("%w: unknown sale status %q", ErrValidation, sale.Status)
	}
	for _, item := range sale.Items {
		if item.Qty < 1 {
			return fmt.Errorf("%w: sale item qty must be >= 1", ErrValidation)
		}
	}
	if len(sale.Items) > 0 && !sale.TotalConsistent() {
		return fmt.Errorf("%w: total must equal subtotal - discount + tax", ErrValidation)
	}
	return nil
}

func validateProduct(payload []byte) error {
	var product model.Product
	if err := json.Unmarshal(payload, &product); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if product.Quantity < 0 {
		return fmt.Errorf("%w: quantity must be >= 0", ErrValidation)
	}
	if product.Price.IsNegative() || product.CostPrice.IsNegative() {
		return fmt.Errorf("%w: prices must be >= 0", ErrValidation)
	}
	return nil
}

// canonicalizeCredit derives the status the invariants demand instead of
// trusting whatever the client stamped before going offline.
func canonicalizeCredit(payload []byte) ([]byte, error) {
	var credit model.Credit
	if err := json.Unmarshal(payload, &credit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !credit.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit amount must be > 0", ErrValidation)
	}
	if credit.AmountPaid.IsNegative() || credit.AmountPaid.GreaterThan(credit.Amount) {
		return nil, fmt.Errorf("%w: amountPaid must be within [0, amount]", ErrValidation)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	status, _ := json.Marshal(credit.DeriveStatus(time.Now().UTC()))
	doc["status"] = status
	return json.Marshal(doc)
}

// prepareEmployee hashes the inbound 4-digit PIN with bcrypt on create and
// strips the raw PIN from the stored payload.
func prepareEmployee(payload []byte, isCreate bool) ([]byte, error) {
	var employee model.Employee
	if err := json.Unmarshal(payload, &employee); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	switch employee.Role {
	case "", model.RoleOwner, model.RoleManager, model.RoleCashier, model.RoleStaff:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, employee.Role)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if employee.PIN == "" {
		if isCreate {
			return nil, fmt.Errorf("%w: employee pin is required", ErrValidation)
		}
		delete(doc, "pin")
		return json.Marshal(doc)
	}

	if !pinPattern.MatchString(employee.PIN) {
		return nil, fmt.Errorf("%w: pin must be exactly 4 digits", ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(employee.PIN), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	delete(doc, "pin")
	hashJSON, _ := json.Marshal(string(hash))
	doc["pinHash"] = hashJSON
	return json.Marshal(doc)
}
