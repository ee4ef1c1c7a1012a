package vm

import (
	"encoding/binary"
	"fmt"
	"sync"

	"midnight-ledger/internal/fab"
	"midnight-ledger/internal/storage"
)

// Partial is returned when Run exhausts its step limit before the program
// halts (spec.md §4.E "Execution contract").
type Partial struct {
	RemainingOps []Instruction
	Stack        []StateValue
}

// VM is a single-threaded, cooperative stack machine over StateValues. It
// yields nothing internally; Run respects an externally supplied step
// limit and returns *Partial when exhausted.
//
// Grounded in the teacher's core/virtual_machine.go VM/GasMeter split and
// core/opcode_dispatcher.go's Register/Dispatch table, adapted from an
// EVM-style byte/word machine to the spec's structured StateValue stack.
type VM struct {
	Stack []StateValue
	PC    int
	Gas   *GasMeter
	Ctx   *QueryContext
	Mode  ResultMode
	Cost  RunningCost

	program []Instruction
}

// New constructs a VM ready to execute program against ctx with the given
// gas limit.
func New(program []Instruction, ctx *QueryContext, gasLimit uint64, mode ResultMode) *VM {
	return &VM{
		Gas:     NewGasMeter(gasLimit),
		Ctx:     ctx,
		Mode:    mode,
		program: program,
	}
}

type opFunc func(*VM, Instruction) error

var (
	opTableMu sync.Once
	opTable   map[Op]opFunc
)

// register binds op to fn, panicking on a duplicate registration — the
// same "nothing slips into production unnoticed" discipline as the
// teacher's opcode_dispatcher.Register.
func register(table map[Op]opFunc, op Op, fn opFunc) {
	if _, exists := table[op]; exists {
		panic(fmt.Sprintf("vm: opcode %d already registered", op))
	}
	table[op] = fn
}

func buildOpTable() map[Op]opFunc {
	t := make(map[Op]opFunc, 32)
	register(t, OpNoop, (*VM).execNoop)
	register(t, OpAdd, (*VM).execAdd)
	register(t, OpSub, (*VM).execSub)
	register(t, OpLt, (*VM).execLt)
	register(t, OpEq, (*VM).execEq)
	register(t, OpNeg, (*VM).execNeg)
	register(t, OpAnd, (*VM).execAnd)
	register(t, OpOr, (*VM).execOr)
	register(t, OpNot, (*VM).execNot)
	register(t, OpNew, (*VM).execNew)
	register(t, OpPush, (*VM).execPush)
	register(t, OpDup, (*VM).execDup)
	register(t, OpSwap, (*VM).execSwap)
	register(t, OpPop, (*VM).execPop)
	register(t, OpPopeq, (*VM).execPopeq)
	register(t, OpIdx, (*VM).execIdx)
	register(t, OpIns, (*VM).execIns)
	register(t, OpMember, (*VM).execMember)
	register(t, OpRem, (*VM).execRem)
	register(t, OpSize, (*VM).execSize)
	register(t, OpType, (*VM).execType)
	register(t, OpRoot, (*VM).execRoot)
	register(t, OpConcat, (*VM).execConcat)
	register(t, OpBranch, (*VM).execBranch)
	register(t, OpJmp, (*VM).execJmp)
	register(t, OpCkpt, (*VM).execCkpt)
	register(t, OpLog, (*VM).execLog)
	return t
}

func dispatchTable() map[Op]opFunc {
	opTableMu.Do(func() { opTable = buildOpTable() })
	return opTable
}

// Run executes up to stepLimit instructions (0 = unbounded), returning a
// *Partial if the program did not halt within that budget.
func (vm *VM) Run(stepLimit int) (*Partial, error) {
	table := dispatchTable()
	steps := 0
	for vm.PC < len(vm.program) {
		if stepLimit > 0 && steps >= stepLimit {
			return &Partial{
				RemainingOps: append([]Instruction(nil), vm.program[vm.PC:]...),
				Stack:        append([]StateValue(nil), vm.Stack...),
			}, nil
		}
		inst := vm.program[vm.PC]
		fn, ok := table[inst.Op]
		if !ok {
			return nil, ErrUnknownOpcode
		}
		if err := vm.Gas.Consume(GasCost(inst.Op, inst.N)); err != nil {
			return nil, err
		}
		prevPC := vm.PC
		if err := fn(vm, inst); err != nil {
			return nil, err
		}
		if vm.PC == prevPC { // branch/jmp already adjusted PC themselves
			vm.PC++
		}
		steps++
	}
	return nil, nil
}

func (vm *VM) push(v StateValue) { vm.Stack = append(vm.Stack, v) }

func (vm *VM) pop() (StateValue, error) {
	if len(vm.Stack) == 0 {
		return StateValue{}, ErrStackUnderflow
	}
	v := vm.Stack[len(vm.Stack)-1]
	vm.Stack = vm.Stack[:len(vm.Stack)-1]
	return v, nil
}

func (vm *VM) peek(fromTop int) (StateValue, error) {
	idx := len(vm.Stack) - 1 - fromTop
	if idx < 0 || idx >= len(vm.Stack) {
		return StateValue{}, ErrStackUnderflow
	}
	return vm.Stack[idx], nil
}

// --- counter/bool encoding over Cell ---

func cellUint(v StateValue) (uint64, error) {
	if v.Kind != KindCell || len(v.Cell) != 1 {
		return 0, ErrTypeMismatch
	}
	atom := v.Cell[0]
	if len(atom) > 8 {
		return 0, ErrTypeMismatch
	}
	var buf [8]byte
	copy(buf[:], atom)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func uintCell(n uint64) StateValue {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	end := 8
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	return StateValue{Kind: KindCell, Cell: fab.Value{fab.ValueAtom(buf[:end])}}
}

func cellBool(v StateValue) (bool, error) {
	n, err := cellUint(v)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func boolCell(b bool) StateValue {
	if b {
		return uintCell(1)
	}
	return uintCell(0)
}

// --- opcode implementations ---

func (vm *VM) execNoop(inst Instruction) error { return nil }

func (vm *VM) execAdd(inst Instruction) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}
	a, err := vm.pop()
	if err != nil {
		return err
	}
	av, err := cellUint(a)
	if err != nil {
		return err
	}
	bv, err := cellUint(b)
	if err != nil {
		return err
	}
	sum := av + bv
	if sum < av { // overflow
		return ErrArithmeticOverflow
	}
	vm.push(uintCell(sum))
	return nil
}

func (vm *VM) execSub(inst Instruction) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}
	a, err := vm.pop()
	if err != nil {
		return err
	}
	av, err := cellUint(a)
	if err != nil {
		return err
	}
	bv, err := cellUint(b)
	if err != nil {
		return err
	}
	if bv > av {
		return ErrArithmeticOverflow
	}
	vm.push(uintCell(av - bv))
	return nil
}

func (vm *VM) execLt(inst Instruction) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}
	a, err := vm.pop()
	if err != nil {
		return err
	}
	av, err := cellUint(a)
	if err != nil {
		return err
	}
	bv, err := cellUint(b)
	if err != nil {
		return err
	}
	vm.push(boolCell(av < bv))
	return nil
}

func (vm *VM) execEq(inst Instruction) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}
	a, err := vm.pop()
	if err != nil {
		return err
	}
	vm.push(boolCell(a.Equal(b)))
	return nil
}

func (vm *VM) execNeg(inst Instruction) error {
	a, err := vm.pop()
	if err != nil {
		return err
	}
	av, err := cellUint(a)
	if err != nil {
		return err
	}
	if av != 0 {
		return ErrArithmeticOverflow
	}
	vm.push(uintCell(0))
	return nil
}

func (vm *VM) execAnd(inst Instruction) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}
	a, err := vm.pop()
	if err != nil {
		return err
	}
	av, err := cellBool(a)
	if err != nil {
		return err
	}
	bv, err := cellBool(b)
	if err != nil {
		return err
	}
	vm.push(boolCell(av && bv))
	return nil
}

func (vm *VM) execOr(inst Instruction) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}
	a, err := vm.pop()
	if err != nil {
		return err
	}
	av, err := cellBool(a)
	if err != nil {
		return err
	}
	bv, err := cellBool(b)
	if err != nil {
		return err
	}
	vm.push(boolCell(av || bv))
	return nil
}

func (vm *VM) execNot(inst Instruction) error {
	a, err := vm.pop()
	if err != nil {
		return err
	}
	av, err := cellBool(a)
	if err != nil {
		return err
	}
	vm.push(boolCell(!av))
	return nil
}

func (vm *VM) execNew(inst Instruction) error {
	top, err := vm.pop()
	if err != nil {
		return err
	}
	n, err := cellUint(top)
	if err != nil {
		return err
	}
	length := (n >> 5) // upper 5 bits encode length (spec.md §4.E)
	arr, err := storage.NewArrayOfLen(int(length))
	if err != nil {
		return err
	}
	vm.push(StateValue{Kind: KindArray, Array: arr})
	return nil
}

func (vm *VM) execPush(inst Instruction) error {
	vm.push(inst.Value)
	return nil
}

func (vm *VM) execDup(inst Instruction) error {
	v, err := vm.peek(int(inst.N))
	if err != nil {
		return err
	}
	vm.push(v)
	return nil
}

func (vm *VM) execSwap(inst Instruction) error {
	n := int(inst.N)
	top := len(vm.Stack) - 1
	other := top - n
	if top < 0 || other < 0 {
		return ErrStackUnderflow
	}
	vm.Stack[top], vm.Stack[other] = vm.Stack[other], vm.Stack[top]
	return nil
}

func (vm *VM) execPop(inst Instruction) error {
	_, err := vm.pop()
	return err
}

func (vm *VM) execPopeq(inst Instruction) error {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	if vm.Mode == ResultModeVerify {
		if !v.Equal(inst.Result) {
			return ErrResultMismatch
		}
	} else if !inst.Cached {
		vm.Ctx.Effects.ClaimedContractCalls = append(vm.Ctx.Effects.ClaimedContractCalls, v.Encode())
	}
	return nil
}

// resolvePathKey returns the concrete key for one path step, popping the
// stack when the step is PathKey{FromStack: true}.
func (vm *VM) resolvePathKey(step PathKey) (StateValue, error) {
	if step.FromStack {
		return vm.pop()
	}
	return step.Key, nil
}

func mapKeyBytes(k StateValue) []byte { return k.Encode() }

func (vm *VM) execIdx(inst Instruction) error {
	cur, err := vm.pop()
	if err != nil {
		return err
	}
	var traversed []StateValue
	for _, step := range inst.Path {
		key, err := vm.resolvePathKey(step)
		if err != nil {
			return err
		}
		traversed = append(traversed, key)
		switch cur.Kind {
		case KindMap:
			if cur.Map == nil {
				return ErrIndexPathInvalid
			}
			raw, err := cur.Map.Get(mapKeyBytes(key))
			if err != nil {
				return ErrIndexPathInvalid
			}
			cur, err = decodeStateValue(raw)
			if err != nil {
				return err
			}
		case KindArray:
			idx, err := cellUint(key)
			if err != nil {
				return err
			}
			if cur.Array == nil {
				return ErrIndexPathInvalid
			}
			raw, err := cur.Array.Get(int(idx))
			if err != nil {
				return ErrIndexPathInvalid
			}
			sv, ok := raw.(StateValue)
			if !ok {
				return ErrTypeMismatch
			}
			cur = sv
		default:
			return ErrIndexPathInvalid
		}
	}
	vm.push(cur)
	if inst.PushPath {
		for i := len(traversed) - 1; i >= 0; i-- {
			vm.push(traversed[i])
		}
	}
	return nil
}

func (vm *VM) execIns(inst Instruction) error {
	newVal, err := vm.pop()
	if err != nil {
		return err
	}
	n := int(inst.N)
	if n <= 0 || n > len(vm.Stack) {
		return ErrIndexPathInvalid
	}
	keys := make([]StateValue, n)
	for i := 0; i < n; i++ {
		k, err := vm.pop()
		if err != nil {
			return err
		}
		keys[i] = k
	}
	container, err := vm.pop()
	if err != nil {
		return err
	}
	updated, err := insertAt(container, keys, newVal)
	if err != nil {
		return err
	}
	vm.push(updated)
	return nil
}

func insertAt(container StateValue, keys []StateValue, val StateValue) (StateValue, error) {
	if len(keys) == 0 {
		return val, nil
	}
	key := keys[0]
	switch container.Kind {
	case KindMap:
		m := container.Map
		if m == nil {
			m = storage.NewMap()
		}
		if len(keys) == 1 {
			return StateValue{Kind: KindMap, Map: m.Set(mapKeyBytes(key), val.Encode())}, nil
		}
		raw, err := m.Get(mapKeyBytes(key))
		var child StateValue
		if err == nil {
			child, err = decodeStateValue(raw)
			if err != nil {
				return StateValue{}, err
			}
		}
		next, err := insertAt(child, keys[1:], val)
		if err != nil {
			return StateValue{}, err
		}
		return StateValue{Kind: KindMap, Map: m.Set(mapKeyBytes(key), next.Encode())}, nil
	case KindArray:
		idx, err := cellUint(key)
		if err != nil {
			return StateValue{}, err
		}
		arr := container.Array
		if arr == nil {
			return StateValue{}, ErrIndexPathInvalid
		}
		if len(keys) == 1 {
			next, err := arr.Set(int(idx), val)
			if err != nil {
				return StateValue{}, err
			}
			return StateValue{Kind: KindArray, Array: next}, nil
		}
		raw, err := arr.Get(int(idx))
		if err != nil {
			return StateValue{}, err
		}
		child, _ := raw.(StateValue)
		nextVal, err := insertAt(child, keys[1:], val)
		if err != nil {
			return StateValue{}, err
		}
		next, err := arr.Set(int(idx), nextVal)
		if err != nil {
			return StateValue{}, err
		}
		return StateValue{Kind: KindArray, Array: next}, nil
	default:
		return StateValue{}, ErrIndexPathInvalid
	}
}

func decodeStateValue(b []byte) (StateValue, error) {
	return Decode(b)
}

func (vm *VM) execMember(inst Instruction) error {
	key, err := vm.pop()
	if err != nil {
		return err
	}
	container, err := vm.pop()
	if err != nil {
		return err
	}
	var found bool
	switch container.Kind {
	case KindMap:
		if container.Map != nil {
			_, err := container.Map.Get(mapKeyBytes(key))
			found = err == nil
		}
	case KindArray:
		idx, err := cellUint(key)
		if err == nil && container.Array != nil {
			found = idx < uint64(container.Array.Len())
		}
	}
	vm.push(boolCell(found))
	return nil
}

func (vm *VM) execRem(inst Instruction) error {
	key, err := vm.pop()
	if err != nil {
		return err
	}
	container, err := vm.pop()
	if err != nil {
		return err
	}
	if container.Kind != KindMap || container.Map == nil {
		return ErrIndexPathInvalid
	}
	vm.push(StateValue{Kind: KindMap, Map: container.Map.Delete(mapKeyBytes(key))})
	return nil
}

func (vm *VM) execSize(inst Instruction) error {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	vm.push(uintCell(uint64(v.Size())))
	return nil
}

func (vm *VM) execType(inst Instruction) error {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	vm.push(StateValue{Kind: KindCell, Cell: fab.Value{fab.ValueAtom(v.TypeName())}})
	return nil
}

func (vm *VM) execRoot(inst Instruction) error {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	if v.Kind != KindBMT || v.BMT == nil {
		return ErrTypeMismatch
	}
	root, ok := v.BMT.Root()
	if !ok {
		vm.push(Null)
		return nil
	}
	vm.push(StateValue{Kind: KindCell, Cell: fab.Value{fab.ValueAtom(root[:])}})
	return nil
}

func (vm *VM) execConcat(inst Instruction) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}
	a, err := vm.pop()
	if err != nil {
		return err
	}
	if a.Kind != KindCell || b.Kind != KindCell {
		return ErrTypeMismatch
	}
	out := append(append(fab.Value{}, a.Cell...), b.Cell...)
	vm.push(StateValue{Kind: KindCell, Cell: out})
	return nil
}

func (vm *VM) execBranch(inst Instruction) error {
	cond, err := vm.pop()
	if err != nil {
		return err
	}
	b, err := cellBool(cond)
	if err != nil {
		return err
	}
	if b {
		vm.PC += inst.Skip
	}
	vm.PC++
	return nil
}

func (vm *VM) execJmp(inst Instruction) error {
	vm.PC += inst.Skip + 1
	return nil
}

func (vm *VM) execCkpt(inst Instruction) error { return nil }

func (vm *VM) execLog(inst Instruction) error {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	vm.Ctx.Effects.ClaimedContractCalls = append(vm.Ctx.Effects.ClaimedContractCalls, v.Encode())
	return nil
}
