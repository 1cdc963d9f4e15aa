package testchain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/chain"
	"pkg.world.dev/world-engine/crossvm/multisig/safe"
)

// SafeService is an in-memory Safe transaction service. It checks that every signature recovers to its sender
// over the proposed hash, as the real service does.
type SafeService struct {
	mu  sync.Mutex
	txs map[common.Hash]*safe.ServiceTransaction

	proposals     int
	confirmations int
}

func NewSafeService() *SafeService {
	return &SafeService{txs: make(map[common.Hash]*safe.ServiceTransaction)}
}

func (s *SafeService) ProposeTransaction(_ context.Context, p safe.Proposal) error {
	owner, err := safe.RecoverOwner(p.SafeTxHash, p.Signature)
	if err != nil {
		return err
	}
	if owner != p.Sender {
		return eris.Errorf("signature recovers to %s, not sender %s", owner, p.Sender)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txs[p.SafeTxHash]; exists {
		return eris.Errorf("transaction %s already proposed", p.SafeTxHash)
	}
	tx := p.Transaction
	s.txs[p.SafeTxHash] = &safe.ServiceTransaction{
		Safe:           p.Safe,
		To:             tx.To,
		Value:          bigString(tx.Value),
		Data:           tx.Data,
		Operation:      uint8(tx.Operation),
		SafeTxGas:      new(big.Int).SetUint64(tx.SafeTxGas).String(),
		BaseGas:        new(big.Int).SetUint64(tx.BaseGas).String(),
		GasPrice:       bigString(tx.GasPrice),
		GasToken:       tx.GasToken,
		RefundReceiver: tx.RefundReceiver,
		Nonce:          tx.Nonce,
		SafeTxHash:     p.SafeTxHash,
		Confirmations:  []safe.Confirmation{{Owner: owner, Signature: hexutil.Bytes(p.Signature)}},
	}
	s.proposals++
	return nil
}

func (s *SafeService) ConfirmTransaction(_ context.Context, safeTxHash common.Hash, signature []byte) error {
	owner, err := safe.RecoverOwner(safeTxHash, signature)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[safeTxHash]
	if !ok {
		return eris.Wrapf(chain.ErrNotFound, "safe transaction %s", safeTxHash)
	}
	for _, c := range tx.Confirmations {
		if c.Owner == owner {
			return nil
		}
	}
	tx.Confirmations = append(tx.Confirmations, safe.Confirmation{Owner: owner, Signature: signature})
	s.confirmations++
	return nil
}

func (s *SafeService) Transaction(_ context.Context, safeTxHash common.Hash) (*safe.ServiceTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[safeTxHash]
	if !ok {
		return nil, eris.Wrapf(chain.ErrNotFound, "safe transaction %s", safeTxHash)
	}
	cp := *tx
	cp.Confirmations = append([]safe.Confirmation(nil), tx.Confirmations...)
	return &cp, nil
}

// Proposals counts accepted proposals.
func (s *SafeService) Proposals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proposals
}

// Confirmations counts accepted confirmations, the proposer's excluded.
func (s *SafeService) Confirmations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmations
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
