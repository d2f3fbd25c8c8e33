// Package mimedb implements the MIME database external interface from
// spec §4.C: types() and cheapest_path(src, dst), backed by a weighted
// directed graph of filter descriptors and a Dijkstra-style shortest
// path search, grounded on the graph-traversal shape of
// OpenPrinting-ipp-usb's capability negotiation (adapted here from a
// device-capability search to a filter-cost search) since none of the
// pack's repos ship a ready-made MIME/filter graph.
package mimedb

import (
	"container/heap"
	"fmt"
)

// Filter is one conversion step: an executable capable of turning From
// into To at a fixed Cost (spec §4.C's filter descriptor).
type Filter struct {
	Exec string
	From string
	To   string
	Cost int
}

// DB is an in-memory MIME conversion graph. Nodes are MIME type
// strings; edges are Filters.
type DB struct {
	filters []Filter
	byFrom  map[string][]Filter
	types   map[string]bool
	// pathCache memoizes cheapest_path results for this DB generation;
	// cleared by Reload. Bounded by the MIME type count (a few hundred
	// entries at most for any real install), so a plain map is used
	// instead of an LRU library — see the cache note in SPEC_FULL.md §4.C.
	pathCache map[[2]string][]Filter
}

// New builds a DB from a static filter list (as loaded from the
// on-disk filter conversion rules at startup).
func New(filters []Filter) *DB {
	db := &DB{}
	db.Reload(filters)
	return db
}

// Reload replaces the filter graph, invalidating any cached paths.
// Called when the on-disk filter/mime definitions change.
func (db *DB) Reload(filters []Filter) {
	db.filters = filters
	db.byFrom = make(map[string][]Filter)
	db.types = make(map[string]bool)
	db.pathCache = make(map[[2]string][]Filter)
	for _, f := range filters {
		db.byFrom[f.From] = append(db.byFrom[f.From], f)
		db.types[f.From] = true
		db.types[f.To] = true
	}
}

// Types enumerates every MIME type known to the graph (spec §4.C's types()).
func (db *DB) Types() []string {
	out := make([]string, 0, len(db.types))
	for t := range db.types {
		out = append(out, t)
	}
	return out
}

type pqItem struct {
	mime string
	cost int
	path []Filter
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].cost < pq[j].cost }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)         { *pq = append(*pq, x.(*pqItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// CheapestPath returns the minimum-cost ordered list of Filters taking
// src to dst, per spec §4.C. If src == dst, returns an empty,
// non-nil slice (no conversion needed — the executor still builds a
// one-stage pipeline with just the backend). If no path exists,
// returns an error the caller turns into a document-format-error abort.
func (db *DB) CheapestPath(src, dst string) ([]Filter, error) {
	if src == dst {
		return []Filter{}, nil
	}
	key := [2]string{src, dst}
	if cached, ok := db.pathCache[key]; ok {
		return cached, nil
	}

	best := map[string]int{src: 0}
	pq := &priorityQueue{{mime: src, cost: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(*pqItem)
		if cur.mime == dst {
			db.pathCache[key] = cur.path
			return cur.path, nil
		}
		if c, ok := best[cur.mime]; ok && cur.cost > c {
			continue
		}
		for _, f := range db.byFrom[cur.mime] {
			next := cur.cost + f.Cost
			if c, ok := best[f.To]; !ok || next < c {
				best[f.To] = next
				path := append(append([]Filter(nil), cur.path...), f)
				heap.Push(pq, &pqItem{mime: f.To, cost: next, path: path})
			}
		}
	}

	return nil, fmt.Errorf("mimedb: no conversion path from %s to %s", src, dst)
}
