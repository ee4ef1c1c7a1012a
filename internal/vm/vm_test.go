package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"midnight-ledger/internal/fab"
	"midnight-ledger/internal/storage"
)

func pushN(n uint64) Instruction {
	return Instruction{Op: OpPush, Value: uintCell(n)}
}

func TestAddAccumulates(t *testing.T) {
	prog := []Instruction{
		pushN(2),
		pushN(3),
		{Op: OpAdd},
	}
	m := New(prog, NewQueryContext([32]byte{}, nil), 1000, ResultModeGather)
	_, err := m.Run(0)
	require.NoError(t, err)
	require.Len(t, m.Stack, 1)
	v, err := cellUint(m.Stack[0])
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)
}

func TestAddOverflowIsFatal(t *testing.T) {
	prog := []Instruction{
		pushN(^uint64(0)),
		pushN(1),
		{Op: OpAdd},
	}
	m := New(prog, NewQueryContext([32]byte{}, nil), 1000, ResultModeGather)
	_, err := m.Run(0)
	require.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestStepLimitReturnsPartial(t *testing.T) {
	prog := []Instruction{pushN(1), pushN(1), {Op: OpAdd}, {Op: OpPop}}
	m := New(prog, NewQueryContext([32]byte{}, nil), 1000, ResultModeGather)
	partial, err := m.Run(1)
	require.NoError(t, err)
	require.NotNil(t, partial)
	require.Len(t, partial.RemainingOps, 3)
}

func TestOutOfGasAborts(t *testing.T) {
	prog := []Instruction{pushN(1), pushN(1), {Op: OpAdd}}
	m := New(prog, NewQueryContext([32]byte{}, nil), 2, ResultModeGather)
	_, err := m.Run(0)
	require.ErrorIs(t, err, ErrOutOfGas)
}

func TestNewPushesArrayOfEncodedLength(t *testing.T) {
	prog := []Instruction{
		pushN(3 << 5), // upper 5 bits = length 3
		{Op: OpNew},
	}
	m := New(prog, NewQueryContext([32]byte{}, nil), 1000, ResultModeGather)
	_, err := m.Run(0)
	require.NoError(t, err)
	require.Equal(t, KindArray, m.Stack[0].Kind)
	require.Equal(t, 3, m.Stack[0].Array.Len())
}

func TestIdxResolvesMapEntry(t *testing.T) {
	key := StateValue{Kind: KindCell, Cell: fab.Value{fab.ValueAtom("k")}}
	val := uintCell(42)
	m := storage.NewMap().Set(mapKeyBytes(key), val.Encode())
	container := StateValue{Kind: KindMap, Map: m}

	prog := []Instruction{
		{Op: OpPush, Value: container},
		{Op: OpIdx, Path: []PathKey{{Key: key}}},
	}
	vmi := New(prog, NewQueryContext([32]byte{}, nil), 1000, ResultModeGather)
	_, err := vmi.Run(0)
	require.NoError(t, err)
	require.Len(t, vmi.Stack, 1)
	require.True(t, vmi.Stack[0].Equal(val))
}

func TestInsWritesBackIntoMap(t *testing.T) {
	key := StateValue{Kind: KindCell, Cell: fab.Value{fab.ValueAtom("k")}}
	container := StateValue{Kind: KindMap, Map: storage.NewMap()}

	prog := []Instruction{
		{Op: OpPush, Value: container},
		{Op: OpPush, Value: key},
		{Op: OpPush, Value: uintCell(7)},
		{Op: OpIns, N: 1},
	}
	vmi := New(prog, NewQueryContext([32]byte{}, nil), 1000, ResultModeGather)
	_, err := vmi.Run(0)
	require.NoError(t, err)
	require.Equal(t, KindMap, vmi.Stack[0].Kind)
	require.Equal(t, 1, vmi.Stack[0].Map.Len())
}

func TestBranchSkipsOnTrue(t *testing.T) {
	prog := []Instruction{
		{Op: OpPush, Value: boolCell(true)},
		{Op: OpBranch, Skip: 1},
		pushN(999), // skipped
		pushN(1),
	}
	m := New(prog, NewQueryContext([32]byte{}, nil), 1000, ResultModeGather)
	_, err := m.Run(0)
	require.NoError(t, err)
	require.Len(t, m.Stack, 1)
	v, _ := cellUint(m.Stack[0])
	require.Equal(t, uint64(1), v)
}

func TestPopeqVerifyRejectsMismatch(t *testing.T) {
	prog := []Instruction{
		pushN(5),
		{Op: OpPopeq, Result: uintCell(6)},
	}
	m := New(prog, NewQueryContext([32]byte{}, nil), 1000, ResultModeVerify)
	_, err := m.Run(0)
	require.ErrorIs(t, err, ErrResultMismatch)
}

func TestLogAppendsToEffectsBuffer(t *testing.T) {
	ctx := NewQueryContext([32]byte{}, nil)
	prog := []Instruction{pushN(9), {Op: OpLog}}
	m := New(prog, ctx, 1000, ResultModeGather)
	_, err := m.Run(0)
	require.NoError(t, err)
	require.Len(t, ctx.Effects.ClaimedContractCalls, 1)
}

func TestEncodeDecodeRoundTripsCellAndArray(t *testing.T) {
	arr, err := storage.NewArrayOfLen(2)
	require.NoError(t, err)
	arr, err = arr.Set(0, uintCell(1))
	require.NoError(t, err)
	arr, err = arr.Set(1, uintCell(2))
	require.NoError(t, err)
	sv := StateValue{Kind: KindArray, Array: arr}

	back, err := Decode(sv.Encode())
	require.NoError(t, err)
	require.True(t, sv.Equal(back))
}
