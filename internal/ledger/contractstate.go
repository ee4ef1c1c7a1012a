package ledger

import (
	"midnight-ledger/internal/arena"
	"midnight-ledger/internal/costmodel"
	"midnight-ledger/internal/rcmap"
	"midnight-ledger/internal/vm"
)

// ChargedState is the top-level StateValue a contract persists, paired with
// the RcMap whose keys are exactly the arena hashes reachable from Data
// (spec.md §3 "ChargedState"). Grounded in internal/rcmap's reachable-
// subgraph accounting (spec.md §4.C), coupled here to a concrete
// vm.StateValue tree instead of the abstract []HashKey graphs rcmap's own
// tests exercise it with.
type ChargedState struct {
	Data vm.StateValue
	Rc   *rcmap.RcMap

	a *arena.Arena
}

// NewChargedState persists data (and every nested StateValue it reaches)
// into a and builds the initial RcMap over data's reachable set.
func NewChargedState(a *arena.Arena, data vm.StateValue) (*ChargedState, error) {
	if err := allocReachable(a, data); err != nil {
		return nil, err
	}
	roots := data.Children()
	rc, err := rcmap.Initial(roots, arenaChildren(a))
	if err != nil {
		return nil, err
	}
	return &ChargedState{Data: data, Rc: rc, a: a}, nil
}

// StateDelta is the nullifier/commitment pair committing one ContractState
// transition (spec.md §2 "commit reachable-state updates via RcMap (C) to
// arena (B/A)"): the prior top-level state is nullified and the new one is
// committed, the same shape a zswap.Offer uses to retire spent notes and
// introduce new ones, applied here to a contract's own persisted state
// rather than a shielded coin.
type StateDelta struct {
	Nullifier  arena.HashKey
	Commitment arena.HashKey
}

// Apply transitions cs.Data to next: it persists next's reachable subgraph,
// runs an incremental RcMap update against the old roots, deletes any key
// that fell to an unreachable, un-rooted refcount of zero from the arena
// backend, and returns the nullifier/commitment pair for this transition
// (spec.md §8 property 5, "a committed ContractState transition nullifies
// its prior root and commits its new one").
func (cs *ChargedState) Apply(next vm.StateValue, gcStepLimit int) (*StateDelta, error) {
	nullifier := arena.KeyHash(cs.Data.Tag(), cs.Data.Binary())

	if err := allocReachable(cs.a, next); err != nil {
		return nil, err
	}
	newRoots := next.Children()

	if gcStepLimit <= 0 {
		gcStepLimit = 1024
	}
	result, err := rcmap.Incremental(
		cs.Rc,
		newRoots,
		arenaChildren(cs.a),
		arenaNodeSize(cs.a),
		func(written, deleted uint64) uint64 { return costmodel.GasHeuristic(written + deleted) },
		func() int { return gcStepLimit },
	)
	if err != nil {
		return nil, err
	}

	before := cs.Rc.Keys()
	after := result.NewRcMap.Keys()
	for k := range before {
		if _, stillLive := after[k]; !stillLive {
			if err := cs.a.WithBackend(func(b arena.Backend) error { return b.Delete(k) }); err != nil {
				return nil, err
			}
		}
	}

	cs.Data = next
	cs.Rc = result.NewRcMap

	return &StateDelta{
		Nullifier:  nullifier,
		Commitment: arena.KeyHash(next.Tag(), next.Binary()),
	}, nil
}

// ContractState is a deployed contract's full persisted state (spec.md §3
// "ContractState{data: ChargedState, operations, …}"): its charged storage
// plus the deploy-time table of callable entry points and their verifier
// keys (the same pairing ContractRegistry answers existence queries over).
type ContractState struct {
	Address    [32]byte
	State      *ChargedState
	Operations map[string][]byte // entry point -> verifier key
}

// DeployContractState constructs a ContractState for a freshly deployed
// contract, persisting its initial storage into a.
func DeployContractState(a *arena.Arena, address [32]byte, initial vm.StateValue, operations map[string][]byte) (*ContractState, error) {
	cs, err := NewChargedState(a, initial)
	if err != nil {
		return nil, err
	}
	if operations == nil {
		operations = make(map[string][]byte)
	}
	return &ContractState{Address: address, State: cs, Operations: operations}, nil
}

// Apply transitions the contract's storage, per ChargedState.Apply.
func (c *ContractState) Apply(next vm.StateValue, gcStepLimit int) (*StateDelta, error) {
	return c.State.Apply(next, gcStepLimit)
}

// allocReachable persists v and every StateValue nested inside its Map/Array
// children into a, so arenaChildren can walk all the way down from v's own
// Children() without hitting arena.ErrMissingChild. Cell, Null and BMT
// StateValues have no nested StateValues to recurse into.
func allocReachable(a *arena.Arena, v vm.StateValue) error {
	if _, err := a.AllocForGraph(v); err != nil {
		return err
	}
	switch v.Kind {
	case vm.KindMap:
		return allocMapChildren(a, v)
	case vm.KindArray:
		return allocArrayChildren(a, v)
	default:
		return nil
	}
}

func allocMapChildren(a *arena.Arena, v vm.StateValue) error {
	if v.Map == nil {
		return nil
	}
	var walkErr error
	v.Map.ForEach(func(_, val []byte) {
		if walkErr != nil {
			return
		}
		child, err := vm.Decode(val)
		if err != nil {
			walkErr = err
			return
		}
		walkErr = allocReachable(a, child)
	})
	return walkErr
}

func allocArrayChildren(a *arena.Arena, v vm.StateValue) error {
	if v.Array == nil {
		return nil
	}
	var walkErr error
	v.Array.ForEach(func(_ int, val interface{}) {
		if walkErr != nil {
			return
		}
		child, ok := val.(vm.StateValue)
		if !ok {
			return
		}
		walkErr = allocReachable(a, child)
	})
	return walkErr
}

// arenaChildren adapts Arena.Get to rcmap.ChildrenFunc.
func arenaChildren(a *arena.Arena) rcmap.ChildrenFunc {
	return func(h arena.HashKey) ([]arena.HashKey, error) {
		n, err := a.Get(h)
		if err != nil {
			return nil, err
		}
		return n.Children, nil
	}
}

// arenaNodeSize adapts Arena.Get to rcmap.NodeSizeFunc, reporting a node's
// serialised byte size for RcMap's byte accounting (spec.md §4.C).
func arenaNodeSize(a *arena.Arena) rcmap.NodeSizeFunc {
	return func(h arena.HashKey) (uint64, error) {
		n, err := a.Get(h)
		if err != nil {
			return 0, err
		}
		return uint64(len(n.Binary)), nil
	}
}
