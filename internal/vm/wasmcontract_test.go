package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// emptyWasmModule is the minimal valid wasm binary: magic number plus
// version, no sections. Enough to exercise wasmer's compile path without
// depending on an external wat2wasm toolchain for a fixture.
var emptyWasmModule = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

func TestContractRunnerDeployCompilesModule(t *testing.T) {
	r := NewContractRunner()
	var addr [32]byte
	addr[0] = 1

	require.NoError(t, r.Deploy(addr, emptyWasmModule))
}

func TestContractRunnerCallUnknownContractFails(t *testing.T) {
	r := NewContractRunner()
	var addr [32]byte
	addr[0] = 2

	_, err := r.Call(addr, "run", nil, NewGasMeter(1000))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not deployed")
}

func TestContractRunnerCallMissingEntryPointFails(t *testing.T) {
	r := NewContractRunner()
	var addr [32]byte
	addr[0] = 3

	require.NoError(t, r.Deploy(addr, emptyWasmModule))
	_, err := r.Call(addr, "run", nil, NewGasMeter(1000))
	require.Error(t, err)
}
