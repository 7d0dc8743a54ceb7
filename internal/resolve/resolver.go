// Package resolve implements the conflict resolver: a pure, deterministic
// merge of a server record and a client record under a named strategy.
// The HTTP endpoint and the client-side sync engine both call into this
// package so a conflict resolves identically no matter where it is detected.
package resolve

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Strategy names as they appear on the wire.
const (
	ServerWins    = "server-wins"
	ClientWins    = "client-wins"
	LastWriteWins = "last-write-wins"
	MergeFields   = "merge-fields"
	Manual        = "manual"
)

// ErrManual is returned when the strategy refuses to merge; the row must
// enter needs-attention and neither side is applied.
var ErrManual = errors.New("manual resolution required")

// ErrUnknownStrategy rejects strategies outside the enumerated set.
var ErrUnknownStrategy = errors.New("unknown resolution strategy")

// Document is a decoded entity record. Decode with UseNumber so monetary
// values survive the round trip without float drift.
type Document = map[string]any

// Bookkeeping fields are owned by the sync layer, never merged field-by-field
// and never taken from the client.
var bookkeeping = map[string]bool{
	"_id":          true,
	"storeId":      true,
	"syncVersion":  true,
	"lastSyncedAt": true,
	"createdAt":    true,
	"updatedAt":    true,
	"deleted":      true,
}

// FieldPolicy picks the divergent-change rule for one field under merge-fields.
type FieldPolicy int

const (
	PolicyScalar   FieldPolicy = iota // both changed divergently → server (safe default)
	PolicyCounter                     // numeric counter → max
	PolicyMonetary                    // monetary aggregate → server + (client − original)
	PolicySet                         // set-valued → union
)

// fieldPolicies maps entity → field → policy. Fields absent here are scalars.
var fieldPolicies = map[string]map[string]FieldPolicy{
	"customers": {
		"totalOrders": PolicyCounter,
		"totalSpent":  PolicyMonetary,
	},
	"credits": {
		"amountPaid": PolicyMonetary,
	},
	"products": {
		"quantity": PolicyCounter,
	},
}

// Resolve merges server and client under the named strategy. original is the
// three-way ancestor (the client's pre-mutation snapshot); it may be nil for
// strategies that do not need it. The result always carries the server's
// _id, storeId and syncVersion — the caller applies it with a compare-and-set
// at that version and the server increments on acceptance.
func Resolve(strategy, entity string, server, client, original Document) (Document, error) {
	switch strategy {
	case ServerWins:
		return clone(server), nil
	case ClientWins:
		merged := clone(client)
		stampFromServer(merged, server)
		return merged, nil
	case LastWriteWins:
		return lastWriteWins(server, client), nil
	case MergeFields:
		return mergeFields(entity, server, client, original), nil
	case Manual:
		return nil, ErrManual
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// lastWriteWins compares updatedAt instants; ties break on lexicographic _id
// so both sides of a tie converge on the same winner.
func lastWriteWins(server, client Document) Document {
	st, sok := docTime(server, "updatedAt")
	ct, cok := docTime(client, "updatedAt")

	clientWon := false
	switch {
	case sok && cok && ct.After(st):
		clientWon = true
	case sok && cok && ct.Equal(st):
		clientWon = docString(client, "_id") > docString(server, "_id")
	case !sok && cok:
		clientWon = true
	}

	if !clientWon {
		return clone(server)
	}
	merged := clone(client)
	stampFromServer(merged, server)
	return merged
}

// mergeFields performs the three-way merge with original as common ancestor.
func mergeFields(entity string, server, client, original Document) Document {
	if original == nil {
		original = Document{}
	}
	policies := fieldPolicies[entity]

	merged := clone(server)
	for field := range union(server, client) {
		if bookkeeping[field] {
			continue
		}
		sv, cv, ov := server[field], client[field], original[field]
		serverChanged := !equalJSON(sv, ov)
		clientChanged := !equalJSON(cv, ov)

		switch {
		case !clientChanged:
			// server's value (changed or not) stands
		case !serverChanged:
			merged[field] = cv
		case equalJSON(sv, cv):
			// both changed identically
		default:
			merged[field] = mergeDivergent(policies[field], sv, cv, ov)
		}
	}
	stampFromServer(merged, server)
	return merged
}

func mergeDivergent(policy FieldPolicy, sv, cv, ov any) any {
	switch policy {
	case PolicyCounter:
		sd, sok := toDecimal(sv)
		cd, cok := toDecimal(cv)
		if sok && cok {
			if cd.GreaterThan(sd) {
				return json.Number(cd.String())
			}
			return json.Number(sd.String())
		}
	case PolicyMonetary:
		sd, sok := toDecimal(sv)
		cd, cok := toDecimal(cv)
		od, ook := toDecimal(ov)
		if sok && cok {
			if !ook {
				od = decimal.Zero
			}
			// apply the client's delta on top of the server value
			return json.Number(sd.Add(cd.Sub(od)).StringFixed(2))
		}
	case PolicySet:
		if ss, ok := sv.([]any); ok {
			if cs, ok := cv.([]any); ok {
				return unionSlices(ss, cs)
			}
		}
	}
	// scalar strings and anything malformed: server is the safe default
	return sv
}

// stampFromServer forces the bookkeeping identity of the merged row to the
// server's: ids and tenant fields are never invented or cleared, and the
// merged row carries the server's current syncVersion as its CAS witness.
func stampFromServer(merged, server Document) {
	for _, field := range []string{"_id", "storeId", "syncVersion", "lastSyncedAt"} {
		if v, ok := server[field]; ok {
			merged[field] = v
		} else {
			delete(merged, field)
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

func clone(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func union(a, b Document) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func unionSlices(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, v := range append(append([]any{}, a...), b...) {
		key, _ := json.Marshal(v)
		if !seen[string(key)] {
			seen[string(key)] = true
			out = append(out, v)
		}
	}
	return out
}

// equalJSON compares two decoded values by their canonical JSON encoding.
func equalJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	case decimal.Decimal:
		return n, true
	default:
		return decimal.Decimal{}, false
	}
}

func docTime(doc Document, field string) (time.Time, bool) {
	s, ok := doc[field].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err == nil
}

func docString(doc Document, field string) string {
	s, _ := doc[field].(string)
	return s
}

// ToDocument converts any JSON-marshalable value into a Document, preserving
// numeric exactness via json.Number.
func ToDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return DecodeDocument(raw)
}

// DecodeDocument decodes raw JSON into a Document with UseNumber.
func DecodeDocument(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
