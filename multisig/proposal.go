package multisig

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain"
	"pkg.world.dev/world-engine/crossvm/multisig/safe"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuted  Status = "executed"
	StatusAbandoned Status = "abandoned"
)

// Proposal tracks one off-chain approval that casts one on-chain vote. Its id is the safeTxHash, so the same Safe
// transaction always maps to the same proposal.
type Proposal struct {
	ID       common.Hash    `json:"id"`
	ChainID  chain.ID       `json:"chainId"`
	Safe     common.Address `json:"safe"`
	Multisig address.Move   `json:"multisig"`
	Sequence uint64         `json:"sequence"`
	Approve  bool           `json:"approve"`

	Transaction safe.Transaction `json:"transaction"`
	Threshold   uint64           `json:"threshold"`
	// Approvals holds one signature per Safe owner.
	Approvals map[common.Address]hexutil.Bytes `json:"approvals"`

	Status      Status    `json:"status"`
	ExecutionID string    `json:"executionId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// AddApproval records owner's signature and reports whether owner had not approved before. A second signature from
// the same owner replaces the first and is not counted again.
func (p *Proposal) AddApproval(owner common.Address, sig []byte) bool {
	if p.Approvals == nil {
		p.Approvals = make(map[common.Address]hexutil.Bytes)
	}
	_, seen := p.Approvals[owner]
	p.Approvals[owner] = append(hexutil.Bytes(nil), sig...)
	return !seen
}

func (p *Proposal) HasApproval(owner common.Address) bool {
	_, ok := p.Approvals[owner]
	return ok
}

func (p *Proposal) ApprovalCount() uint64 { return uint64(len(p.Approvals)) }

func (p *Proposal) ThresholdMet() bool { return p.ApprovalCount() >= p.Threshold }

// Signatures returns the approvals in the form safe.PackSignatures takes.
func (p *Proposal) Signatures() map[common.Address][]byte {
	out := make(map[common.Address][]byte, len(p.Approvals))
	for owner, sig := range p.Approvals {
		out[owner] = append([]byte(nil), sig...)
	}
	return out
}

func (p *Proposal) clone() *Proposal {
	cp := *p
	cp.Transaction.Data = append([]byte(nil), p.Transaction.Data...)
	cp.Approvals = make(map[common.Address]hexutil.Bytes, len(p.Approvals))
	for owner, sig := range p.Approvals {
		cp.Approvals[owner] = append(hexutil.Bytes(nil), sig...)
	}
	return &cp
}
