package partition

import (
	"testing"

	"github.com/stretchr/testify/require"

	"midnight-ledger/internal/fab"
	"midnight-ledger/internal/vm"
)

func cell(s string) vm.StateValue {
	return vm.StateValue{Kind: vm.KindCell, Cell: fab.Value{fab.ValueAtom(s)}}
}

func freshCtx() *vm.QueryContext {
	return vm.NewQueryContext([32]byte{}, nil)
}

func TestPartitionSplitsOnCheckpointAndInheritsDescendants(t *testing.T) {
	bComm := cell("callee-b").Encode()

	callB := PreTranscript{
		Context:  freshCtx(),
		CommComm: bComm,
		Program: []vm.Instruction{
			{Op: vm.OpPush, Value: cell("b-result")},
			{Op: vm.OpPop},
			{Op: vm.OpCkpt},
		},
	}
	callA := PreTranscript{
		Context:  freshCtx(),
		CommComm: nil,
		Program: []vm.Instruction{
			{Op: vm.OpPush, Value: cell("callee-b")}, // claims B's comm_comm
			{Op: vm.OpLog},
			{Op: vm.OpCkpt},
			{Op: vm.OpPush, Value: cell("after")},
			{Op: vm.OpPop},
			{Op: vm.OpCkpt},
		},
	}

	results, err := Partition([]PreTranscript{callA, callB})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// B is a descendant of A in the call forest, so it inherits fully
	// guaranteed status regardless of its own checkpoint budget.
	require.NotNil(t, results[1].Guaranteed)
	require.Nil(t, results[1].Fallible)
}

func TestPartitionRejectsMultipleParents(t *testing.T) {
	shared := cell("shared").Encode()

	callB := PreTranscript{Context: freshCtx(), CommComm: shared, Program: []vm.Instruction{{Op: vm.OpCkpt}}}
	callA := PreTranscript{
		Context: freshCtx(),
		Program: []vm.Instruction{
			{Op: vm.OpPush, Value: cell("shared")},
			{Op: vm.OpLog},
			{Op: vm.OpCkpt},
		},
	}
	callC := PreTranscript{
		Context: freshCtx(),
		Program: []vm.Instruction{
			{Op: vm.OpPush, Value: cell("shared")},
			{Op: vm.OpLog},
			{Op: vm.OpCkpt},
		},
	}

	_, err := Partition([]PreTranscript{callA, callB, callC})
	require.ErrorIs(t, err, ErrNonForest, "a callee claimed by two callers is not a forest")
}

func TestPartitionRejectsSelfReachableCycle(t *testing.T) {
	selfComm := cell("self").Encode()
	call := PreTranscript{
		Context:  freshCtx(),
		CommComm: selfComm,
		Program: []vm.Instruction{
			{Op: vm.OpPush, Value: cell("self")},
			{Op: vm.OpLog},
			{Op: vm.OpCkpt},
		},
	}
	_, err := Partition([]PreTranscript{call})
	require.ErrorIs(t, err, ErrNonForest)
}

func TestNoCheckpointFallsEntirelyFallible(t *testing.T) {
	call := PreTranscript{
		Context: freshCtx(),
		Program: []vm.Instruction{
			{Op: vm.OpPush, Value: cell("x")},
			{Op: vm.OpPop},
		},
	}
	results, err := Partition([]PreTranscript{call})
	require.NoError(t, err)
	require.Nil(t, results[0].Guaranteed)
	require.NotNil(t, results[0].Fallible)
}
