// Package hbgraph implements the HB Graph (C4): a persisted,
// in-memory DAG over HB events with reachability queries used by the
// Race Detector (C5).
//
// A minimal adjacency-list DAG with per-query BFS suffices here (§9):
// this is deliberately a plain adjacency-list graph over the standard
// library rather than a general-purpose graph library, since no
// third-party dependency available offers directed-acyclic
// reachability/ancestor queries at this scale.
package hbgraph

import (
	"sync"
	"time"

	"github.com/gavv/monotime"
	"github.com/nsg-ethz/hbrace/pkg/hbevent"
	"github.com/sirupsen/logrus"
)

var glog = logrus.WithField("component", "hbgraph.Graph")

// Relation tags an edge. Race detection considers only Hb edges (§3);
// the others are advisory/visualisation.
type Relation string

const (
	RelHB     Relation = "hb"
	RelTime   Relation = "time"
	RelDepRAW Relation = "dep_raw"
	RelRace   Relation = "race"
)

// Edge is a directed edge between two event ids.
type Edge struct {
	From hbevent.EID
	To   hbevent.EID
	Rel  Relation
}

// predecessorWhitelist enumerates, for every HB event kind, which
// kinds may legally precede it (§4.4). A predecessor outside this set
// signals a trace-producer bug (§7 class 4): the edge is still added,
// but logged as a warning and counted.
//
// Per open question 3 (§9), the HbMessageHandle<-HbMessageHandle
// and HbMessageSend<-HbMessageHandle entries are preserved exactly as
// documented, undocumented intent notwithstanding.
var predecessorWhitelist = map[hbevent.Kind]map[hbevent.Kind]bool{
	hbevent.KindAsyncFlowExpiry: set(hbevent.KindMessageSend),
	hbevent.KindPacketHandle:    set(hbevent.KindPacketSend, hbevent.KindHostSend),
	hbevent.KindPacketSend:      set(hbevent.KindPacketHandle, hbevent.KindMessageHandle),
	hbevent.KindMessageHandle: set(
		hbevent.KindMessageHandle,
		hbevent.KindControllerSend,
		hbevent.KindPacketHandle, // buffer put -> get
		hbevent.KindMessageSend,  // merged controller edges
	),
	hbevent.KindMessageSend:      set(hbevent.KindAsyncFlowExpiry, hbevent.KindPacketHandle, hbevent.KindMessageHandle),
	hbevent.KindHostHandle:       set(hbevent.KindPacketSend),
	hbevent.KindHostSend:         set(hbevent.KindHostHandle),
	hbevent.KindControllerHandle: set(hbevent.KindMessageSend),
	hbevent.KindControllerSend:   set(hbevent.KindControllerHandle),
}

func set(kinds ...hbevent.Kind) map[hbevent.Kind]bool {
	m := make(map[hbevent.Kind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}

// Graph is a directed acyclic graph of HB events.
type Graph struct {
	mu sync.RWMutex

	nextEID hbevent.EID
	events  map[hbevent.EID]hbevent.Event
	order   []hbevent.EID

	succ map[hbevent.EID][]Edge // hb-relation successors only
	pred map[hbevent.EID][]Edge // hb-relation predecessors only

	// Tag-matching bookkeeping (§4.4): producedBy resolves an
	// already-emitted event's out-tag; pendingConsumers holds
	// in-tags of already-emitted events whose producer has not yet
	// been emitted, so an edge can be added retroactively once it
	// is. This makes tag-based predecessor resolution independent of
	// arrival order, which the asynchronous controller instrumentation
	// (§4.3, §5) requires: a synthetic HbControllerHandle/Send pair
	// can be emitted before the switch-side HbMessageSend it derives
	// from has itself been flushed to the graph.
	producedByMid       map[hbevent.MID]hbevent.EID
	producedByPid       map[hbevent.PID]hbevent.EID
	pendingConsumersMid map[hbevent.MID][]hbevent.EID
	pendingConsumersPid map[hbevent.PID][]hbevent.EID

	violations int

	// start is a monotonic-clock reading taken at graph creation,
	// mirroring netobserv's use of monotime.Now() for eviction-timeout
	// bookkeeping immune to wall-clock adjustment; every inserted
	// event is stamped with its elapsed offset from this instant.
	start time.Duration
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		events:              make(map[hbevent.EID]hbevent.Event),
		succ:                make(map[hbevent.EID][]Edge),
		pred:                make(map[hbevent.EID][]Edge),
		producedByMid:       make(map[hbevent.MID]hbevent.EID),
		producedByPid:       make(map[hbevent.PID]hbevent.EID),
		pendingConsumersMid: make(map[hbevent.MID][]hbevent.EID),
		pendingConsumersPid: make(map[hbevent.PID][]hbevent.EID),
		start:               monotime.Now(),
	}
}

// Insert assigns e a fresh eid, adds it as a node, and links it to its
// predecessors by matching its pid_in/mid_in against the pid_out/
// mid_out of other events (§4.4). It returns the assigned eid.
func (g *Graph) Insert(e hbevent.Event) hbevent.EID {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextEID++
	eid := g.nextEID
	hbevent.SetEID(e, eid)
	hbevent.SetT(e, monotime.Now()-g.start)
	g.events[eid] = e
	g.order = append(g.order, eid)

	if mid, ok := hbevent.InMid(e); ok {
		g.linkInMid(eid, mid)
	}
	if pid, ok := hbevent.InPid(e); ok {
		g.linkInPid(eid, pid)
	}
	for _, mid := range hbevent.OutMids(e) {
		g.publishMid(eid, mid)
	}
	for _, pid := range hbevent.OutPids(e) {
		g.publishPid(eid, pid)
	}
	return eid
}

func (g *Graph) linkInMid(consumer hbevent.EID, mid hbevent.MID) {
	if producer, ok := g.producedByMid[mid]; ok {
		g.addEdge(producer, consumer)
		return
	}
	g.pendingConsumersMid[mid] = append(g.pendingConsumersMid[mid], consumer)
}

func (g *Graph) linkInPid(consumer hbevent.EID, pid hbevent.PID) {
	if producer, ok := g.producedByPid[pid]; ok {
		g.addEdge(producer, consumer)
		return
	}
	g.pendingConsumersPid[pid] = append(g.pendingConsumersPid[pid], consumer)
}

func (g *Graph) publishMid(producer hbevent.EID, mid hbevent.MID) {
	g.producedByMid[mid] = producer
	for _, consumer := range g.pendingConsumersMid[mid] {
		g.addEdge(producer, consumer)
	}
	delete(g.pendingConsumersMid, mid)
}

func (g *Graph) publishPid(producer hbevent.EID, pid hbevent.PID) {
	g.producedByPid[pid] = producer
	for _, consumer := range g.pendingConsumersPid[pid] {
		g.addEdge(producer, consumer)
	}
	delete(g.pendingConsumersPid, pid)
}

// addEdge adds an hb edge, warning (but not rejecting, §7 class 4) if
// the predecessor kind is outside from's whitelist for to's kind.
func (g *Graph) addEdge(from, to hbevent.EID) {
	fromKind := g.events[from].Kind()
	toKind := g.events[to].Kind()
	if allowed := predecessorWhitelist[toKind]; allowed == nil || !allowed[fromKind] {
		g.violations++
		glog.WithFields(logrus.Fields{
			"predecessor_kind": fromKind,
			"successor_kind":   toKind,
			"from_eid":         from,
			"to_eid":           to,
		}).Warn("predecessor kind outside whitelist; adding edge anyway")
	}
	e := Edge{From: from, To: to, Rel: RelHB}
	g.succ[from] = append(g.succ[from], e)
	g.pred[to] = append(g.pred[to], e)
}

// Event returns the event with the given eid, if present.
func (g *Graph) Event(eid hbevent.EID) (hbevent.Event, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.events[eid]
	return e, ok
}

// Events returns all events in insertion (eid) order. The returned
// slice is a snapshot; the graph is treated as immutable once a trace
// is complete (§5).
func (g *Graph) Events() []hbevent.Event {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]hbevent.Event, len(g.order))
	for i, eid := range g.order {
		out[i] = g.events[eid]
	}
	return out
}

// Violations returns the number of predecessor-whitelist violations
// observed so far (§7 class 4, §8 invariant).
func (g *Graph) Violations() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.violations
}

// EdgeCount returns the number of hb-relation edges inserted so far,
// for the expansion's hbrace_hb_edges_total metric.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, edges := range g.succ {
		n += len(edges)
	}
	return n
}

// Reachable reports whether there is a directed path from src to dst
// using hb-relation edges only.
func (g *Graph) Reachable(src, dst hbevent.EID) bool {
	if src == dst {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	visited := map[hbevent.EID]bool{src: true}
	queue := []hbevent.EID{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.succ[cur] {
			if e.To == dst {
				return true
			}
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return false
}

// Ordered reports whether u and v are HB-ordered in either direction.
func (g *Graph) Ordered(u, v hbevent.EID) bool {
	return g.Reachable(u, v) || g.Reachable(v, u)
}

// Ancestors returns the set of nodes with a path to u, inclusive of u.
func (g *Graph) Ancestors(u hbevent.EID) map[hbevent.EID]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	visited := map[hbevent.EID]bool{u: true}
	queue := []hbevent.EID{u}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.pred[cur] {
			if !visited[e.From] {
				visited[e.From] = true
				queue = append(queue, e.From)
			}
		}
	}
	return visited
}

// HasCommonAncestor reports whether u and v share an ancestor (or one
// is an ancestor of the other), used by the Race Detector's optional
// r/w common-ancestor filter (§4.5 predicate 5).
func (g *Graph) HasCommonAncestor(u, v hbevent.EID) bool {
	ua := g.Ancestors(u)
	va := g.Ancestors(v)
	if len(ua) > len(va) {
		ua, va = va, ua
	}
	for eid := range ua {
		if va[eid] {
			return true
		}
	}
	return false
}
