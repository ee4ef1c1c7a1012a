package vm

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Op is the VM's instruction tag (spec.md §4.E instruction set).
type Op byte

const (
	OpNoop Op = iota
	OpAdd
	OpSub
	OpLt
	OpEq
	OpNeg
	OpAnd
	OpOr
	OpNot
	OpNew
	OpPush
	OpDup
	OpSwap
	OpPop
	OpPopeq
	OpIdx
	OpIns
	OpMember
	OpRem
	OpSize
	OpType
	OpRoot
	OpConcat
	OpBranch
	OpJmp
	OpCkpt
	OpLog
)

// PathKey is one step of an Idx/Ins traversal path: either a concrete
// aligned value or an instruction to pop the key from the stack
// (spec.md §4.E: "path of Key = Value(aligned) | Stack").
type PathKey struct {
	FromStack bool
	Key       StateValue
}

// Instruction is a single VM opcode plus its operands. Only the fields
// relevant to Op are meaningful; this mirrors a tagged-union instruction by
// convention rather than by Go type, matching the wire format's flat byte
// encoding (spec.md §6).
type Instruction struct {
	Op Op

	N       uint32 // Noop{n}, Dup{n}, Swap{n}, Ins{n}; New takes its length from the stack
	Storage bool   // Push{storage, value}
	Value   StateValue

	Cached    bool // Popeq{cached}, Idx{cached}, Ins{cached}
	Result    StateValue
	PushPath  bool // Idx{push_path}
	Path      []PathKey

	Skip int // Branch{skip}, Jmp{skip}
}

// ResultMode selects Popeq's behaviour: Gather records the observed value
// into the effects log for later verification; Verify asserts equality
// in-line (spec.md §4.E).
type ResultMode int

const (
	ResultModeGather ResultMode = iota
	ResultModeVerify
)

// gasCost prices every opcode; unpriced opcodes fall back to
// defaultGasCost and are logged once, matching the teacher's
// core/gas_table.go GasCost policy.
const defaultGasCost uint64 = 1000

var gasCost = map[Op]uint64{
	OpNoop:    1,
	OpAdd:     2,
	OpSub:     2,
	OpLt:      2,
	OpEq:      2,
	OpNeg:     2,
	OpAnd:     2,
	OpOr:      2,
	OpNot:     2,
	OpNew:     3,
	OpPush:    2,
	OpDup:     1,
	OpSwap:    1,
	OpPop:     1,
	OpPopeq:   3,
	OpIdx:     5,
	OpIns:     6,
	OpMember:  4,
	OpRem:     5,
	OpSize:    2,
	OpType:    1,
	OpRoot:    4,
	OpConcat:  4,
	OpBranch:  2,
	OpJmp:     1,
	OpCkpt:    1,
	OpLog:     3,
}

var (
	gasWarnOnce sync.Map // Op -> struct{}, log missing price exactly once
	gasLog      = logrus.WithField("component", "vm.gas")
)

// GasCost returns op's base price, logging (once) and charging
// defaultGasCost for any opcode that slipped through un-priced.
func GasCost(op Op, n uint32) uint64 {
	base, ok := gasCost[op]
	if !ok {
		if _, already := gasWarnOnce.LoadOrStore(op, struct{}{}); !already {
			gasLog.WithField("opcode", op).Warn("missing gas price, charging default")
		}
		base = defaultGasCost
	}
	switch op {
	case OpNoop:
		return base * uint64(n)
	default:
		return base
	}
}

// GasMeter tracks consumption against a fixed limit, grounded in the
// teacher's core/virtual_machine.go GasMeter.
type GasMeter struct {
	used  uint64
	limit uint64
}

// NewGasMeter constructs a meter with the given limit.
func NewGasMeter(limit uint64) *GasMeter {
	return &GasMeter{limit: limit}
}

// Remaining reports unused gas.
func (g *GasMeter) Remaining() uint64 {
	if g.used > g.limit {
		return 0
	}
	return g.limit - g.used
}

// Used reports gas consumed so far.
func (g *GasMeter) Used() uint64 { return g.used }

// Consume charges cost, returning ErrOutOfGas if it would exceed the limit.
func (g *GasMeter) Consume(cost uint64) error {
	if g.used+cost > g.limit {
		return ErrOutOfGas
	}
	g.used += cost
	return nil
}
