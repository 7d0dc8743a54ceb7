package model

import (
	"sort"
)

// Descriptor describes one entry of the sync surface: how to allocate a typed
// row for an entity name and which conflict strategy applies to it by default.
type Descriptor struct {
	Table           string
	New             func() Syncable
	NewSlice        func() any // *[]T for list queries
	DefaultStrategy string
}

// Default per-entity strategies: server-wins wherever quantities are involved
// (prevents overselling), merge-fields for customer aggregates, manual for
// credits (divergent due dates need a human), last-write-wins elsewhere.
var registry = map[string]Descriptor{
	"products": {
		Table:           "products",
		New:             func() Syncable { return &Product{} },
		NewSlice:        func() any { return &[]Product{} },
		DefaultStrategy: "server-wins",
	},
	"sales": {
		Table:           "sales",
		New:             func() Syncable { return &Sale{} },
		NewSlice:        func() any { return &[]Sale{} },
		DefaultStrategy: "last-write-wins",
	},
	"customers": {
		Table:           "customers",
		New:             func() Syncable { return &Customer{} },
		NewSlice:        func() any { return &[]Customer{} },
		DefaultStrategy: "merge-fields",
	},
	"credits": {
		Table:           "credits",
		New:             func() Syncable { return &Credit{} },
		NewSlice:        func() any { return &[]Credit{} },
		DefaultStrategy: "manual",
	},
	"employees": {
		Table:           "employees",
		New:             func() Syncable { return &Employee{} },
		NewSlice:        func() any { return &[]Employee{} },
		DefaultStrategy: "last-write-wins",
	},
	"categories": {
		Table:           "categories",
		New:             func() Syncable { return &Category{} },
		NewSlice:        func() any { return &[]Category{} },
		DefaultStrategy: "last-write-wins",
	},
	"shifts": {
		Table:           "shifts",
		New:             func() Syncable { return &Shift{} },
		NewSlice:        func() any { return &[]Shift{} },
		DefaultStrategy: "last-write-wins",
	},
	"stock_movements": {
		Table:           "stock_movements",
		New:             func() Syncable { return &StockMovement{} },
		NewSlice:        func() any { return &[]StockMovement{} },
		DefaultStrategy: "server-wins",
	},
}

// Lookup returns the descriptor for a wire entity name.
func Lookup(entity string) (Descriptor, bool) {
	d, ok := registry[entity]
	return d, ok
}

// Entities returns the registered entity names in stable order.
func Entities() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
