package emu

import (
	"github.com/oisee/x86rewrite/pkg/capture"
	"github.com/oisee/x86rewrite/pkg/decode"
	"github.com/oisee/x86rewrite/pkg/memrange"
	"github.com/oisee/x86rewrite/pkg/x86inst"
	"github.com/oisee/x86rewrite/pkg/x86rw"
)

// Capturer drives the worklist-based capturing walk described in
// spec.md §4.4: it decodes basic blocks on demand (pkg/decode),
// interprets each instruction against an abstract EmuState (Step),
// and assembles the residual instructions into CBBs in a capture.Store.
// Grounded on the teacher's pkg/search.WorkerPool's worklist-driven
// task loop, generalized from independent search tasks to a
// state-carrying exploration of one function's control-flow graph.
type Capturer struct {
	Decoder *decode.Decoder
	Store   *capture.Store
	Ranges  *memrange.Registry

	states map[int]*EmuState
	nextID int
	// byAddr indexes states by the address they were captured at, so
	// internState can scan for an Equal prior state before allocating a
	// fresh snapshot (spec.md §4.4's snapshot-equality dedup).
	byAddr map[uint64][]int

	// Intrinsics, if set, is consulted on every TransferCall before the
	// capturer inlines the call: a hit runs the hook against the
	// current state and the call is skipped entirely rather than
	// descending into the callee (spec.md §6's makeDynamic/makeStatic
	// passthrough intrinsics, wired here by pkg/rewriter).
	Intrinsics func(addr uint64) (func(*EmuState), bool)
}

// NewCapturer wires a decoder, capture store and constant-range
// registry together. Ranges may be nil if the caller has no trusted
// constant-data windows.
func NewCapturer(d *decode.Decoder, s *capture.Store, r *memrange.Registry) *Capturer {
	return &Capturer{Decoder: d, Store: s, Ranges: r,
		states: make(map[int]*EmuState), byAddr: make(map[uint64][]int)}
}

// Run explores the function starting at entry with the given entry
// state, populating c.Store with every reachable CBB. It returns the
// key of the entry CBB.
func (c *Capturer) Run(entry uint64, es *EmuState) (capture.Key, error) {
	esID := c.nextID
	c.nextID++
	es.esID = esID
	c.states[esID] = es
	c.byAddr[entry] = append(c.byAddr[entry], esID)

	start := capture.Key{Addr: entry, EsID: esID}
	c.Store.Push(start)

	for {
		key, ok := c.Store.Pop()
		if !ok {
			break
		}
		if _, fresh := c.Store.GetOrCreate(key); !fresh {
			continue
		}
		if err := c.captureOne(key); err != nil {
			return capture.Key{}, err
		}
	}
	return start, nil
}

// captureOne decodes and interprets DBBs starting at key.Addr, using
// key.EsID's EmuState. JMP, a folded Jcc, CALL and a RET into an
// inlined caller continue the same CBB; a forking Jcc or a top-level
// RET ends it and records the resulting CBB in the store.
func (c *Capturer) captureOne(key capture.Key) error {
	es, ok := c.states[key.EsID]
	if !ok {
		return x86rw.New(x86rw.ModuleCapture, x86rw.KindInvalidRequest, "no emulator state for esID %d", key.EsID)
	}

	cbb := &capture.CBB{Key: key, CodeAddr: key.Addr}
	addr := uintptr(key.Addr)

	for {
		dbb, err := c.Decoder.Decode(addr)
		if err != nil {
			return err
		}
		for _, instr := range dbb.Instrs {
			residual, xfer, err := es.Step(instr, c.Ranges)
			if err != nil {
				return err
			}
			cbb.Instrs = append(cbb.Instrs, residual...)

			switch xfer.Kind {
			case TransferNone:
				continue
			case TransferFold:
				cbb.Term = x86inst.JMP
				addr = uintptr(xfer.TakenAddr)
				goto nextBlock
			case TransferFork:
				c.fork(cbb, es, xfer)
				return nil
			case TransferJump:
				cbb.Term = x86inst.JMP
				addr = uintptr(xfer.TakenAddr)
				goto nextBlock
			case TransferCall:
				if c.Intrinsics != nil {
					if hook, ok := c.Intrinsics(xfer.TakenAddr); ok {
						// stepCall already pushed a return address and
						// bumped CallDepth assuming an ordinary inlined
						// call; undo that since the intrinsic replaces
						// the call rather than being entered.
						if n := len(es.RetAddrs); n > 0 {
							es.RetAddrs = es.RetAddrs[:n-1]
							es.CallDepth--
						}
						hook(es)
						cbb.Term = x86inst.JMP
						addr = uintptr(xfer.FallAddr)
						goto nextBlock
					}
				}
				cbb.Term = x86inst.CALL
				addr = uintptr(xfer.TakenAddr)
				goto nextBlock
			case TransferReturn:
				cbb.Term = x86inst.RET
				if xfer.TakenAddr == 0 {
					c.finish(key, cbb)
					return nil
				}
				addr = uintptr(xfer.TakenAddr)
				goto nextBlock
			}
		}
		// Block fell through to the next instruction address without a
		// terminator: decode.Decoder stopped because that address starts
		// an already-decoded DBB. Continue decoding there.
		addr += uintptr(dbb.Len())
	nextBlock:
	}
}

// fork handles a TransferFork Jcc: both successors continue under
// snapshots of the current state, predicted side pushed last so it
// pops first (spec.md §4.4's predicted-branch-first worklist order).
// Each successor is interned through internState rather than always
// allocated fresh, so a data-dependent back-edge that reaches a prior
// branch point under an equal state reuses that state's esID instead
// of growing the CBB graph without bound.
func (c *Capturer) fork(cbb *capture.CBB, es *EmuState, xfer Transfer) {
	fallID := c.internState(xfer.FallAddr, es)
	fallKey := capture.Key{Addr: xfer.FallAddr, EsID: fallID}

	takenID := c.internState(xfer.TakenAddr, es)
	takenKey := capture.Key{Addr: xfer.TakenAddr, EsID: takenID}

	cbb.Term = xfer.CondType
	cbb.HasFall, cbb.FallKey = true, fallKey
	cbb.HasTaken, cbb.TakenKey = true, takenKey

	c.finish(cbb.Key, cbb)

	c.Store.Push(fallKey)
	c.Store.Push(takenKey)
}

// internState returns the esID under which addr should be explored
// for abstract state es, per spec.md §4.4's "before allocating a new
// snapshot, the engine walks existing snapshots and returns the first
// equal one". If a state already tracked at addr is Equal to es, its
// esID is reused — this is what lets a data-dependent loop's back edge
// converge onto the same capture.Key on every iteration instead of
// decoding the loop body again under a fresh esID forever. Only when
// no equal state exists is a new snapshot allocated, and the total
// count of distinct states is capped at SavedStateMax the same way
// capture.Store.Push caps worklist depth.
func (c *Capturer) internState(addr uint64, es *EmuState) int {
	for _, id := range c.byAddr[addr] {
		if c.states[id].Equal(es) {
			return id
		}
	}
	if len(c.states) >= SavedStateMax {
		panic("emu: saved-state count exceeds SavedStateMax")
	}
	id := c.nextID
	c.nextID++
	c.states[id] = es.Snapshot(id)
	c.byAddr[addr] = append(c.byAddr[addr], id)
	return id
}

func (c *Capturer) finish(key capture.Key, cbb *capture.CBB) {
	existing, _ := c.Store.GetOrCreate(key)
	*existing = *cbb
}
