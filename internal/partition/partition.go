// Package partition implements the deterministic transcript partitioner
// (spec.md §4.F): it runs each prospective contract call to discover the
// call graph, rejects anything that is not a forest, then scans each root's
// checkpoint counts from the largest down, keeping the first whose cost fits
// a closure-wide byte budget, to decide how much of the run is "guaranteed"
// (charged before proving) versus "fallible" (charged only if the
// transaction actually lands).
//
// Grounded in the teacher's core/contract_management.go call-graph bookkeeping
// style, generalised from a flat contract registry to the spec's descending
// scan over checkpoint counts, and in core/gas_table.go's "price everything, log
// unpriced paths once" discipline for the cost-model wiring.
package partition

import (
	"errors"

	"midnight-ledger/internal/costmodel"
	"midnight-ledger/internal/vm"
)

var (
	// ErrNonForest is returned when the call graph has a cycle or a node
	// with more than one parent.
	ErrNonForest = errors.New("partition: call graph is not a forest")
	// ErrTranscriptRejected bubbles up from a simulation failure during
	// partitioning.
	ErrTranscriptRejected = errors.New("partition: transcript rejected during simulation")
)

// PreTranscript is one prospective contract call awaiting partitioning.
type PreTranscript struct {
	Context  *vm.QueryContext
	Program  []vm.Instruction
	CommComm []byte // optional; nil means this call makes no claim other callers can reference
}

// Transcript is one (guaranteed or fallible) section of a partitioned run:
// the instructions actually executed in that section and the effects they
// produced.
type Transcript struct {
	Program []vm.Instruction
	Effects vm.EffectsBuffer
}

// Result pairs a call's guaranteed and fallible sections; either may be nil
// if the call fell entirely on one side of its partition point.
type Result struct {
	Guaranteed *Transcript
	Fallible   *Transcript
}

// countCheckpoints returns the number of OpCkpt instructions in program.
func countCheckpoints(program []vm.Instruction) int {
	n := 0
	for _, inst := range program {
		if inst.Op == vm.OpCkpt {
			n++
		}
	}
	return n
}

// runFull executes program to completion (gasLimit effectively unbounded
// for the discovery pass) and returns the resulting effects buffer and a
// byte size, used both for call-graph discovery and for the closure-budget
// estimate. The size is the total length of the claimed contract calls in
// the effects buffer; the encoded size of the transcript as a whole is not
// measured.
func runFull(pt PreTranscript) (vm.EffectsBuffer, uint64, error) {
	m := vm.New(pt.Program, pt.Context, ^uint64(0), vm.ResultModeGather)
	if _, err := m.Run(0); err != nil {
		return vm.EffectsBuffer{}, 0, err
	}
	var size uint64
	for _, b := range pt.Context.Effects.ClaimedContractCalls {
		size += uint64(len(b))
	}
	return *pt.Context.Effects, size, nil
}

// buildGraph runs every call to discover its claimed contract calls, then
// links edge(i,j) whenever i's claims include j's comm_comm.
func buildGraph(calls []PreTranscript) (parents map[int]int, children map[int][]int, sizes []uint64, err error) {
	parents = make(map[int]int)
	children = make(map[int][]int)
	sizes = make([]uint64, len(calls))
	claims := make([][][]byte, len(calls))

	for i, c := range calls {
		effects, size, runErr := runFull(c)
		if runErr != nil {
			return nil, nil, nil, ErrTranscriptRejected
		}
		claims[i] = effects.ClaimedContractCalls
		sizes[i] = size
	}

	for i := range calls {
		for j, cj := range calls {
			if cj.CommComm == nil {
				continue
			}
			if claimsContain(claims[i], cj.CommComm) {
				if _, already := parents[j]; already {
					return nil, nil, nil, ErrNonForest
				}
				parents[j] = i
				children[i] = append(children[i], j)
			}
		}
	}
	if hasCycle(children, len(calls)) {
		return nil, nil, nil, ErrNonForest
	}
	return parents, children, sizes, nil
}

func claimsContain(claims [][]byte, target []byte) bool {
	for _, c := range claims {
		if string(c) == string(target) {
			return true
		}
	}
	return false
}

func hasCycle(children map[int][]int, n int) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, n)
	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = gray
		for _, c := range children[i] {
			if color[c] == gray {
				return true
			}
			if color[c] == white && visit(c) {
				return true
			}
		}
		color[i] = black
		return false
	}
	for i := 0; i < n; i++ {
		if color[i] == white {
			if visit(i) {
				return true
			}
		}
	}
	return false
}

// closureOf returns i and every descendant of i in the call forest.
func closureOf(root int, children map[int][]int) []int {
	out := []int{root}
	queue := append([]int(nil), children[root]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		queue = append(queue, children[n]...)
	}
	return out
}

// Partition runs the full algorithm of spec.md §4.F over calls, returning
// one Result per call in input order.
func Partition(calls []PreTranscript) ([]Result, error) {
	parents, children, sizes, err := buildGraph(calls)
	if err != nil {
		return nil, err
	}

	nCkpts := make([]int, len(calls))
	for i, c := range calls {
		nCkpts[i] = countCheckpoints(c.Program)
	}

	// Step 3: roots are nodes with no parent.
	chosenN := make([]int, len(calls))
	for i := range chosenN {
		chosenN[i] = -1 // unresolved; filled in per-root below
	}

	for i := range calls {
		if _, isChild := parents[i]; isChild {
			continue // resolved once its root is processed
		}
		closure := closureOf(i, children)
		var budget uint64
		for _, k := range closure {
			budget += costmodel.ClosureByteBudget(costmodel.EstSize(sizes[k]))
		}

		chosen := 0
		for n := nCkpts[i] + 1; n >= 1; n-- {
			required, reqErr := requiredBudgetForN(calls[i], n, closure, sizes)
			if reqErr != nil {
				return nil, ErrTranscriptRejected
			}
			if required <= budget {
				chosen = n
				break
			}
		}
		chosenN[i] = chosen
		// Step 5: descendants inherit n = checkpoints+1, guaranteed through
		// their last checkpoint.
		for _, k := range closure {
			if k == i {
				continue
			}
			chosenN[k] = nCkpts[k] + 1
		}
	}

	results := make([]Result, len(calls))
	for i, c := range calls {
		results[i], err = splitTranscript(c, chosenN[i])
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// requiredBudgetForN conservatively estimates the guaranteed-section cost
// of running root through checkpoint n-1, folding in the 6/5 gas_heuristic
// for every transitively claimed callee's full projected cost (spec.md
// §4.F step 4). root's own contribution shrinks as n shrinks, since less
// of its program is charged to the guaranteed section; every other call in
// the closure is conservatively assumed to run in full regardless of n.
func requiredBudgetForN(root PreTranscript, n int, closure []int, sizes []uint64) (uint64, error) {
	prefix := truncateToCheckpoints(root.Program, n-1)
	prefixCtx := vm.NewQueryContext([32]byte{}, nil)
	_, prefixSize, err := runFull(PreTranscript{Context: prefixCtx, Program: prefix})
	if err != nil {
		return 0, err
	}

	total := costmodel.ClosureByteBudget(costmodel.EstSize(prefixSize))
	for i := 1; i < len(closure); i++ {
		k := closure[i]
		projected := costmodel.EstSize(sizes[k])
		total += costmodel.ClosureByteBudget(costmodel.GasHeuristic(projected))
	}
	return total, nil
}

// truncateToCheckpoints returns the prefix of program up to and including
// its k-th OpCkpt instruction (k ≤ 0 yields an empty prefix; k at or beyond
// the total checkpoint count yields the full program).
func truncateToCheckpoints(program []vm.Instruction, k int) []vm.Instruction {
	if k <= 0 {
		return nil
	}
	seen := 0
	for idx, inst := range program {
		if inst.Op == vm.OpCkpt {
			seen++
			if seen == k {
				return program[:idx+1]
			}
		}
	}
	return program
}

// splitTranscript re-runs call, recording the guaranteed section as the
// instructions up to and including checkpoint chosenN-1 (the same prefix
// requiredBudgetForN prices for n = chosenN) and the remainder as fallible.
// Effects are reset between sections (spec.md §4.F step 6).
func splitTranscript(c PreTranscript, chosenN int) (Result, error) {
	splitIdx := len(truncateToCheckpoints(c.Program, chosenN-1))

	var res Result
	if splitIdx > 0 {
		ctx := *c.Context
		ctx.Effects = &vm.EffectsBuffer{}
		m := vm.New(c.Program[:splitIdx], &ctx, ^uint64(0), vm.ResultModeGather)
		if _, err := m.Run(0); err != nil {
			return Result{}, ErrTranscriptRejected
		}
		res.Guaranteed = &Transcript{Program: c.Program[:splitIdx], Effects: *ctx.Effects}
	}
	if splitIdx < len(c.Program) {
		ctx := *c.Context
		ctx.Effects = &vm.EffectsBuffer{}
		m := vm.New(c.Program[splitIdx:], &ctx, ^uint64(0), vm.ResultModeGather)
		if _, err := m.Run(0); err != nil {
			return Result{}, ErrTranscriptRejected
		}
		res.Fallible = &Transcript{Program: c.Program[splitIdx:], Effects: *ctx.Effects}
	}
	return res, nil
}
