// Package testchain is an in-memory EVM chain and Move chain sharing one state, wired together the way the
// Movement framework wires them: Move entry functions call into the EVM and an EVM precompile calls back into
// Move. Both sides implement chain.Adapter so the engine, the coordinator and the relay run against it unchanged.
package testchain

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain"
)

var (
	// PrecompileAddress hosts callMove(bytes32,bytes).
	PrecompileAddress = common.HexToAddress("0x0000000000000000000000000000000000000808")
	// SafeFactoryAddress hosts a Safe proxy factory.
	SafeFactoryAddress = common.HexToAddress("0xa6B71E26C5e0845f74c812102Ca7114b6a896AB2")
	// SafeSingletonAddress is the Safe implementation proxies point to.
	SafeSingletonAddress = common.HexToAddress("0xd9Db270c1B5E3Bd161E8c8503c55cEABeE709552")

	// NumberRegistryCode deploys a contract with number() and setNumber(uint256).
	NumberRegistryCode = []byte("testchain:NumberRegistry")
	// DemoModuleCode publishes a demo module whose call_evm(to, data, value) calls the EVM as the publisher.
	DemoModuleCode = []byte("testchain:demo")

	proxyCreationCode = []byte("testchain:SafeProxy")
	safeSingletonCode = []byte("testchain:Safe")
	precompileCode    = []byte("testchain:callMove")
)

const (
	DefaultEVMChainID = 336
	framework         = "0x1"
)

// Transaction is a transaction the network executed, including the EVM transactions the Move side triggered.
type Transaction struct {
	ID     string
	Origin string
	Status chain.Status
	Detail string
}

type multisigAccount struct {
	owners    []address.Move
	threshold uint64
	nextSeq   uint64
	payloads  map[uint64][]byte
	votes     map[uint64]map[address.Move]bool
}

func (m *multisigAccount) isOwner(a address.Move) bool {
	for _, o := range m.owners {
		if o == a {
			return true
		}
	}
	return false
}

// Network is safe for concurrent use. Every state change happens under mu at submission; simulation runs the same
// checks and discards the change.
type Network struct {
	mu      sync.Mutex
	chainID *big.Int

	// EVM state.
	evmNonces map[common.Address]uint64
	contracts map[common.Address]contract
	programs  map[string]func() contract

	// Move state.
	sequences map[address.Move]uint64
	// crossNonces backs the 0x1::evm::Account resource, keyed by the account holding it.
	crossNonces map[address.Move]uint64
	modules     map[address.Move]map[string]moveModule
	packages    map[string]moveModule
	multisigs   map[address.Move]*multisigAccount

	txs      map[chain.ID][]Transaction
	receipts map[string]*chain.Receipt
	submits  map[chain.ID]int
	counter  uint64

	evm  *EVMAdapter
	move *MoveAdapter
}

func New() *Network {
	n := &Network{
		chainID:     big.NewInt(DefaultEVMChainID),
		evmNonces:   make(map[common.Address]uint64),
		contracts:   make(map[common.Address]contract),
		programs:    make(map[string]func() contract),
		sequences:   make(map[address.Move]uint64),
		crossNonces: make(map[address.Move]uint64),
		modules:     make(map[address.Move]map[string]moveModule),
		packages:    make(map[string]moveModule),
		multisigs:   make(map[address.Move]*multisigAccount),
		txs:         make(map[chain.ID][]Transaction),
		receipts:    make(map[string]*chain.Receipt),
		submits:     make(map[chain.ID]int),
	}
	n.programs[string(NumberRegistryCode)] = func() contract { return &numberRegistry{number: new(big.Int)} }
	n.contracts[SafeFactoryAddress] = &safeFactory{}
	n.contracts[SafeSingletonAddress] = &codeOnly{code: safeSingletonCode}
	n.contracts[PrecompileAddress] = &precompile{}

	n.packages[string(DemoModuleCode)] = demoModule()
	fw := address.MustParseMove(framework)
	n.modules[fw] = map[string]moveModule{
		"evm":              evmModule(),
		"code":             codeModule(),
		"multisig_account": multisigModule(),
	}

	n.evm = &EVMAdapter{net: n, id: chain.ID(fmt.Sprintf("evm:%d", DefaultEVMChainID))}
	n.move = &MoveAdapter{net: n, id: "move:testchain"}
	return n
}

func (n *Network) EVM() *EVMAdapter { return n.evm }

func (n *Network) Move() *MoveAdapter { return n.move }

// Transactions returns the transactions executed on id, in order.
func (n *Network) Transactions(id chain.ID) []Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Transaction(nil), n.txs[id]...)
}

// Successful counts the successful transactions on id.
func (n *Network) Successful(id chain.ID) int {
	count := 0
	for _, tx := range n.Transactions(id) {
		if tx.Status == chain.StatusSuccess {
			count++
		}
	}
	return count
}

// Submits counts Submit calls on id, accepted or not.
func (n *Network) Submits(id chain.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submits[id]
}

// CrossNonce returns the nonce the Move framework tracks for the EVM identity evm.
func (n *Network) CrossNonce(evm common.Address) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.crossNonces[address.ToMove(evm)]
}

// Votes returns how many owners voted on transaction sequence of multisig.
func (n *Network) Votes(multisig address.Move, sequence uint64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.multisigs[multisig]
	if !ok {
		return 0
	}
	return len(m.votes[sequence])
}

// record must be called with mu held.
func (n *Network) record(id chain.ID, origin string, status chain.Status, detail string) string {
	n.counter++
	txID := fmt.Sprintf("0x%064x", n.counter)
	n.txs[id] = append(n.txs[id], Transaction{ID: txID, Origin: origin, Status: status, Detail: detail})
	n.receipts[txID] = &chain.Receipt{TxID: txID, Status: status, Version: n.counter, VMStatus: detail}
	return txID
}

func (n *Network) receipt(txID string) (*chain.Receipt, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.receipts[txID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// apply runs the mutations in order. It is the commit half of every handler.
func apply(fns ...func()) func() {
	return func() {
		for _, fn := range fns {
			if fn != nil {
				fn()
			}
		}
	}
}
