package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// ContractRunner is the optional contract-bytecode execution backend that
// sits behind the instruction interpreter's dispatch table: ActionDeploy
// compiles a wasm module and ActionCall invokes one of its exports, with
// gas charged against the same GasMeter the stack interpreter uses.
// Grounded in the teacher's core/virtual_machine.go HeavyVM/hostCtx wasmer
// JIT path, narrowed to the two host calls this domain actually needs
// (gas metering and a return-data channel) instead of the teacher's full
// key/value store bridge.
type ContractRunner struct {
	engine *wasmer.Engine

	mu      sync.Mutex
	modules map[[32]byte]*wasmer.Module
	store   *wasmer.Store
}

// NewContractRunner constructs a runner with a fresh wasmer engine. One
// runner is expected to live for the process lifetime; compiled modules are
// cached by contract address.
func NewContractRunner() *ContractRunner {
	engine := wasmer.NewEngine()
	return &ContractRunner{
		engine:  engine,
		modules: make(map[[32]byte]*wasmer.Module),
		store:   wasmer.NewStore(engine),
	}
}

// Deploy compiles code and registers it under addr, matching
// ActionDeploy (spec.md §3). Recompiling an already-deployed address
// overwrites the previous module, mirroring the ledger's last-write-wins
// contract-state semantics.
func (r *ContractRunner) Deploy(addr [32]byte, code []byte) error {
	mod, err := wasmer.NewModule(r.store, code)
	if err != nil {
		return fmt.Errorf("vm: compile contract %x: %w", addr, err)
	}
	r.mu.Lock()
	r.modules[addr] = mod
	r.mu.Unlock()
	return nil
}

// contractHost carries the per-call state the wasm guest's host imports
// close over: the gas meter being charged and the guest's return buffer.
type contractHost struct {
	mem     *wasmer.Memory
	gas     *GasMeter
	retData []byte
}

// Call invokes entryPoint exported by the module deployed at addr, passing
// args through linear memory at a fixed offset, charging gas via the
// hostConsumeGas import, and returning whatever the guest wrote through
// host_return before returning.
func (r *ContractRunner) Call(addr [32]byte, entryPoint string, args []byte, gas *GasMeter) ([]byte, error) {
	r.mu.Lock()
	mod, ok := r.modules[addr]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("vm: contract %x not deployed", addr)
	}

	host := &contractHost{gas: gas}
	imports := r.registerHost(host)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return nil, fmt.Errorf("vm: instantiate contract %x: %w", addr, err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, errors.New("vm: contract module has no exported memory")
	}
	host.mem = mem

	fn, err := instance.Exports.GetFunction(entryPoint)
	if err != nil {
		return nil, fmt.Errorf("vm: contract %x has no entry point %q: %w", addr, entryPoint, err)
	}

	copy(mem.Data(), args)
	if _, err := fn(int32(0), int32(len(args))); err != nil {
		return nil, fmt.Errorf("vm: contract %x entry point %q trapped: %w", addr, entryPoint, err)
	}

	return host.retData, nil
}

// registerHost wires the two host calls a guest module needs: gas metering
// (so a contract cannot outspend the call's budget) and a return-data
// channel, the narrowed analogue of the teacher's hostConsumeGas/hostRead/
// hostWrite trio.
func (r *ContractRunner) registerHost(h *contractHost) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	hostConsumeGas := wasmer.NewFunction(
		r.store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			cost := uint64(args[0].I32())
			if err := h.gas.Consume(cost); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	hostReturn := wasmer.NewFunction(
		r.store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, ln := args[0].I32(), args[1].I32()
			data := h.mem.Data()
			if int(ptr) < 0 || int(ptr)+int(ln) > len(data) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.retData = append([]byte(nil), data[ptr:ptr+ln]...)
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"host_consume_gas": hostConsumeGas,
		"host_return":      hostReturn,
	})
	return imports
}
