package txengine

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/crossvm/chain"
)

const DefaultReceiptKeepAlive = 10 * time.Minute

/*
	ReceiptStore is a rudimentary cache of finalized receipts keyed by transaction id. It records the time a receipt
	was stored, and each lookup clears the stale entries.
*/

type storedReceipt struct {
	receipt     chain.Receipt
	timeEntered time.Time
}

func (r storedReceipt) expired(keepAlive time.Duration) bool {
	return time.Now().After(r.timeEntered.Add(keepAlive))
}

type ReceiptStore struct {
	keepAlive time.Duration
	receipts  *sync.Map // map[string]storedReceipt
}

func NewReceiptStore(keepAlive time.Duration) *ReceiptStore {
	return &ReceiptStore{
		keepAlive: keepAlive,
		receipts:  new(sync.Map),
	}
}

// Receipt returns a copy of the stored receipt; receipts never change once stored.
func (s *ReceiptStore) Receipt(txID string) (chain.Receipt, bool) {
	defer s.clearStaleEntries()
	res, ok := s.receipts.Load(txID)
	if !ok {
		return chain.Receipt{}, false
	}
	stored, ok := res.(storedReceipt)
	if !ok || stored.expired(s.keepAlive) {
		return chain.Receipt{}, false
	}
	return stored.receipt, true
}

func (s *ReceiptStore) SetReceipt(rec *chain.Receipt) {
	log.Debug().Str("tx_id", rec.TxID).Stringer("status", rec.Status).Msg("storing receipt")
	s.receipts.Store(rec.TxID, storedReceipt{receipt: *rec, timeEntered: time.Now()})
}

func (s *ReceiptStore) clearStaleEntries() {
	s.receipts.Range(func(key, value any) bool {
		stored, _ := value.(storedReceipt)
		if stored.expired(s.keepAlive) {
			log.Debug().Msgf("receipt expired: deleting receipt for %v", key)
			s.receipts.Delete(key)
		}
		return true
	})
}
