// Package race implements the Race Detector (C5): it enumerates
// candidate read/write and write/write pairs of flow-table operations
// on the HB Graph (pkg/hbgraph), tests HB-unordered-ness, and applies
// a commutativity oracle to classify each surviving pair as harmful or
// commuting (§4.5).
//
// Grounded on sts/happensbefore/hb_race_detector.py's detect_ww_races/
// detect_rw_races/read_ops, translated from its single-threaded
// itertools.combinations/nested-loop scan into a worker pool fanning
// candidate pairs out over goroutines (§5: "may parallelise pair
// enumeration over worker tasks"), the same shape as the per-interface
// tracer goroutines in pkg/agent.Flows.onInterfaceAdded.
package race

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/nsg-ethz/hbrace/pkg/hbevent"
	"github.com/nsg-ethz/hbrace/pkg/hbgraph"
	"github.com/sirupsen/logrus"
)

var rlog = logrus.WithField("component", "race.Detector")

// Kind discriminates a race's operation pairing.
type Kind string

const (
	KindWW Kind = "w/w"
	KindRW Kind = "r/w"
)

// opRef pairs an operation with the handle event that owns it and a
// stable identity for pairing/dedup purposes, since hbevent.Operation
// carries no owning-event back-pointer of its own.
type opRef struct {
	event hbevent.Event
	eid   hbevent.EID
	dpid  hbevent.DPID
	op    hbevent.Operation
}

// Race is one classified candidate pair (§3, §6 race report).
type Race struct {
	Kind     Kind
	EventA   hbevent.EID
	OpA      hbevent.Operation
	EventB   hbevent.EID
	OpB      hbevent.Operation
	Commutes bool
}

// Report is the Race Detector's output for one pass over a Graph
// (§4.5 Counts, §6 race report).
type Report struct {
	TotalOps            int
	RacesHarmful        []Race
	RacesCommute        []Race
	Filtered            int
	RacingEvents        map[hbevent.EID]bool
	RacingEventsHarmful map[hbevent.EID]bool
}

// TotalRaces is len(RacesHarmful)+len(RacesCommute), the sum reported
// alongside the individual counts (§4.5 Counts).
func (r *Report) TotalRaces() int { return len(r.RacesHarmful) + len(r.RacesCommute) }

// Oracle is the commutativity oracle (§4.5): a pure function over two
// operations' data, external domain knowledge about OpenFlow
// semantics. OpenFlowOracle (openflow.go) is the default
// implementation; callers may substitute their own.
type Oracle interface {
	CommutesWW(eventA hbevent.Event, opA hbevent.Operation, eventB hbevent.Event, opB hbevent.Operation) bool
	CommutesRW(readEvent hbevent.Event, readOp hbevent.Operation, writeEvent hbevent.Event, writeOp hbevent.Operation) bool
}

// Detector runs race detection over an immutable Graph snapshot (§5:
// "runs offline on an immutable HB Graph snapshot").
type Detector struct {
	Graph    *hbgraph.Graph
	Oracle   Oracle
	FilterRW bool // §4.5 predicate 5, config-gated

	// Workers bounds the concurrent pair-verification pool; defaults to
	// runtime.NumCPU() if zero.
	Workers int
}

// New creates a Detector with the default OpenFlowOracle.
func New(g *hbgraph.Graph, filterRW bool) *Detector {
	return &Detector{Graph: g, Oracle: &OpenFlowOracle{}, FilterRW: filterRW}
}

// collect walks every handle event in eid order and splits its
// operations into read and write slices, stamping each with a display
// eid (hbevent.Operation.Eid) equal to the owning event's eid — the
// original Python events assign each TraceSwitchFlowTable{Read,Write}
// its own eid at emission time; this port does not emit operations as
// separate trace records, so all operations of one event share that
// event's eid.
func (d *Detector) collect() (reads, writes []opRef) {
	for _, e := range d.Graph.Events() {
		dpid, ok := hbevent.Dpid(e)
		if !ok {
			continue
		}
		for _, op := range hbevent.Operations(e) {
			op.Eid = e.EID()
			ref := opRef{event: e, eid: e.EID(), dpid: dpid, op: op}
			switch {
			case op.IsRead():
				reads = append(reads, ref)
			case op.IsWrite():
				writes = append(writes, ref)
			}
		}
	}
	return reads, writes
}

// DetectAll runs the full w/w and r/w scan over the whole graph (§4.5).
func (d *Detector) DetectAll() *Report {
	return d.detect(nil)
}

// DetectIncremental restricts the scan to pairs containing event,
// per the incremental-mode note (useful for online mode, not a
// correctness requirement here).
func (d *Detector) DetectIncremental(event hbevent.EID) *Report {
	return d.detect(&event)
}

func (d *Detector) detect(only *hbevent.EID) *Report {
	reads, writes := d.collect()
	rlog.WithFields(logrus.Fields{"reads": len(reads), "writes": len(writes)}).Debug("collected flow-table operations")

	report := &Report{
		TotalOps:            len(reads) + len(writes),
		RacingEvents:        make(map[hbevent.EID]bool),
		RacingEventsHarmful: make(map[hbevent.EID]bool),
	}

	wwPairs := wwCandidates(writes, only)
	rwPairs := rwCandidates(reads, writes, only)

	wwResults := d.runPairs(wwPairs, d.verifyWW)
	rwResults, filtered := d.runRWPairs(rwPairs)
	report.Filtered = filtered

	for _, races := range [][]Race{wwResults, rwResults} {
		for _, r := range races {
			report.RacingEvents[r.EventA] = true
			report.RacingEvents[r.EventB] = true
			if r.Commutes {
				report.RacesCommute = append(report.RacesCommute, r)
			} else {
				report.RacesHarmful = append(report.RacesHarmful, r)
				report.RacingEventsHarmful[r.EventA] = true
				report.RacingEventsHarmful[r.EventB] = true
			}
		}
	}
	return report
}

type pair struct {
	a, b opRef
}

// wwCandidates builds C(|W|,2) unordered pairs of write operations
// (§4.5 candidate generation), already dropping same-event pairs and
// cross-dpid pairs (filter predicates 2 and 3) before they ever reach
// the ordered() query, since those are cheap local checks.
func wwCandidates(writes []opRef, only *hbevent.EID) []pair {
	var out []pair
	for i := 0; i < len(writes); i++ {
		for j := i + 1; j < len(writes); j++ {
			a, b := writes[i], writes[j]
			if !involves(a, b, only) {
				continue
			}
			if a.eid == b.eid || a.dpid != b.dpid {
				continue
			}
			out = append(out, pair{a, b})
		}
	}
	return out
}

// rwCandidates builds the ordered R x W product (§4.5).
func rwCandidates(reads, writes []opRef, only *hbevent.EID) []pair {
	var out []pair
	for _, r := range reads {
		for _, w := range writes {
			if !involves(r, w, only) {
				continue
			}
			if r.eid == w.eid || r.dpid != w.dpid {
				continue
			}
			out = append(out, pair{r, w})
		}
	}
	return out
}

func involves(a, b opRef, only *hbevent.EID) bool {
	return only == nil || a.eid == *only || b.eid == *only
}

func (d *Detector) workers() int {
	if d.Workers > 0 {
		return d.Workers
	}
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// runPairs fans candidate pairs out over a worker pool of goroutines,
// each checking ordered() (filter predicate 4) and, for survivors,
// invoking classify to produce a Race. Results are collected into a
// single slice by the caller's goroutine once every worker has
// drained its share -- pure reads against the immutable Graph, so no
// further synchronization is needed between workers (§5).
func (d *Detector) runPairs(pairs []pair, classify func(pair) (Race, bool)) []Race {
	return d.fanOut(pairs, func(p pair) (Race, bool) {
		if d.Graph.Ordered(p.a.eid, p.b.eid) {
			return Race{}, false
		}
		return classify(p)
	})
}

// runRWPairs additionally applies the optional common-ancestor filter
// (§4.5 predicate 5) when FilterRW is set, counting suppressed pairs.
func (d *Detector) runRWPairs(pairs []pair) ([]Race, int) {
	var filtered int32
	races := d.fanOut(pairs, func(p pair) (Race, bool) {
		if d.Graph.Ordered(p.a.eid, p.b.eid) {
			return Race{}, false
		}
		if d.FilterRW && !d.Graph.HasCommonAncestor(p.a.eid, p.b.eid) {
			atomic.AddInt32(&filtered, 1)
			return Race{}, false
		}
		return d.verifyRW(p)
	})
	return races, int(filtered)
}

// fanOut runs fn over pairs across d.workers() goroutines and
// collects every (Race, true) result it returns.
func (d *Detector) fanOut(pairs []pair, fn func(pair) (Race, bool)) []Race {
	if len(pairs) == 0 {
		return nil
	}
	in := make(chan pair, len(pairs))
	for _, p := range pairs {
		in <- p
	}
	close(in)

	out := make(chan Race, len(pairs))
	var wg sync.WaitGroup
	n := d.workers()
	if n > len(pairs) {
		n = len(pairs)
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range in {
				if r, ok := fn(p); ok {
					out <- r
				}
			}
		}()
	}
	wg.Wait()
	close(out)

	races := make([]Race, 0, len(out))
	for r := range out {
		races = append(races, r)
	}
	return races
}

func (d *Detector) verifyWW(p pair) (Race, bool) {
	commutes := d.Oracle.CommutesWW(p.a.event, p.a.op, p.b.event, p.b.op)
	return Race{Kind: KindWW, EventA: p.a.eid, OpA: p.a.op, EventB: p.b.eid, OpB: p.b.op, Commutes: commutes}, true
}

func (d *Detector) verifyRW(p pair) (Race, bool) {
	commutes := d.Oracle.CommutesRW(p.a.event, p.a.op, p.b.event, p.b.op)
	return Race{Kind: KindRW, EventA: p.a.eid, OpA: p.a.op, EventB: p.b.eid, OpB: p.b.op, Commutes: commutes}, true
}
