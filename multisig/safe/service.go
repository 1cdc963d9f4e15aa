package safe

import (
	"bytes"
	"context"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/chain"
)

const defaultServiceTimeout = 30 * time.Second

// Proposal is what the first approver submits to the transaction service.
type Proposal struct {
	Safe        common.Address
	Transaction Transaction
	SafeTxHash  common.Hash
	Sender      common.Address
	Signature   []byte
	Origin      string
}

type Confirmation struct {
	Owner     common.Address `json:"owner"`
	Signature hexutil.Bytes  `json:"signature"`
}

// ServiceTransaction is a multisig transaction as tracked by the transaction service.
type ServiceTransaction struct {
	Safe                  common.Address `json:"safe"`
	To                    common.Address `json:"to"`
	Value                 string         `json:"value"`
	Data                  hexutil.Bytes  `json:"data"`
	Operation             uint8          `json:"operation"`
	SafeTxGas             string         `json:"safeTxGas"`
	BaseGas               string         `json:"baseGas"`
	GasPrice              string         `json:"gasPrice"`
	GasToken              common.Address `json:"gasToken"`
	RefundReceiver        common.Address `json:"refundReceiver"`
	Nonce                 uint64         `json:"nonce"`
	SafeTxHash            common.Hash    `json:"safeTxHash"`
	ConfirmationsRequired uint64         `json:"confirmationsRequired"`
	Confirmations         []Confirmation `json:"confirmations"`
	IsExecuted            bool           `json:"isExecuted"`
	TransactionHash       string         `json:"transactionHash,omitempty"`
}

// Signatures returns the confirmations keyed by owner.
func (t *ServiceTransaction) Signatures() map[common.Address][]byte {
	out := make(map[common.Address][]byte, len(t.Confirmations))
	for _, c := range t.Confirmations {
		out[c.Owner] = append([]byte(nil), c.Signature...)
	}
	return out
}

type proposeRequest struct {
	To                      common.Address `json:"to"`
	Value                   string         `json:"value"`
	Data                    hexutil.Bytes  `json:"data"`
	Operation               uint8          `json:"operation"`
	SafeTxGas               string         `json:"safeTxGas"`
	BaseGas                 string         `json:"baseGas"`
	GasPrice                string         `json:"gasPrice"`
	GasToken                common.Address `json:"gasToken"`
	RefundReceiver          common.Address `json:"refundReceiver"`
	Nonce                   uint64         `json:"nonce"`
	ContractTransactionHash common.Hash    `json:"contractTransactionHash"`
	Sender                  common.Address `json:"sender"`
	Signature               hexutil.Bytes  `json:"signature"`
	Origin                  string         `json:"origin,omitempty"`
}

type confirmRequest struct {
	Signature hexutil.Bytes `json:"signature"`
}

// ServiceClient talks to a Safe transaction service. BaseURL includes the /api prefix.
type ServiceClient struct {
	baseURL string
	http    *http.Client
}

type ServiceOption func(*ServiceClient)

func WithHTTPClient(h *http.Client) ServiceOption {
	return func(c *ServiceClient) { c.http = h }
}

func NewServiceClient(baseURL string, opts ...ServiceOption) *ServiceClient {
	c := &ServiceClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: defaultServiceTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ServiceClient) ProposeTransaction(ctx context.Context, p Proposal) error {
	tx := p.Transaction
	body := proposeRequest{
		To:                      tx.To,
		Value:                   orZero(tx.Value).String(),
		Data:                    tx.Data,
		Operation:               uint8(tx.Operation),
		SafeTxGas:               new(big.Int).SetUint64(tx.SafeTxGas).String(),
		BaseGas:                 new(big.Int).SetUint64(tx.BaseGas).String(),
		GasPrice:                orZero(tx.GasPrice).String(),
		GasToken:                tx.GasToken,
		RefundReceiver:          tx.RefundReceiver,
		Nonce:                   tx.Nonce,
		ContractTransactionHash: p.SafeTxHash,
		Sender:                  p.Sender,
		Signature:               p.Signature,
		Origin:                  p.Origin,
	}
	path := "/v1/safes/" + p.Safe.Hex() + "/multisig-transactions/"
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *ServiceClient) ConfirmTransaction(ctx context.Context, safeTxHash common.Hash, signature []byte) error {
	path := "/v1/multisig-transactions/" + safeTxHash.Hex() + "/confirmations/"
	return c.do(ctx, http.MethodPost, path, confirmRequest{Signature: signature}, nil)
}

// Transaction returns the tracked transaction. Unknown hashes yield chain.ErrNotFound.
func (c *ServiceClient) Transaction(ctx context.Context, safeTxHash common.Hash) (*ServiceTransaction, error) {
	var tx ServiceTransaction
	if err := c.do(ctx, http.MethodGet, "/v1/multisig-transactions/"+safeTxHash.Hex()+"/", nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *ServiceClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "unable to marshal request")
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return eris.Wrapf(err, "unable to make request to %q", path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "request to %q failed", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return eris.Wrapf(chain.ErrNotFound, "%s %s", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf, _ := io.ReadAll(resp.Body)
		return eris.Errorf("transaction service response is not 2xx. code %v, body: %v", resp.StatusCode, string(buf))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrap(err, "unable to decode response")
	}
	return nil
}

// SafeTransaction converts the tracked transaction back to the SafeTx its hash commits to.
func (t *ServiceTransaction) SafeTransaction() (Transaction, error) {
	value, ok := parseDecimal(t.Value)
	if !ok {
		return Transaction{}, eris.Errorf("malformed value %q", t.Value)
	}
	gasPrice, ok := parseDecimal(t.GasPrice)
	if !ok {
		return Transaction{}, eris.Errorf("malformed gas price %q", t.GasPrice)
	}
	safeTxGas, ok := parseDecimal(t.SafeTxGas)
	if !ok || !safeTxGas.IsUint64() {
		return Transaction{}, eris.Errorf("malformed safeTxGas %q", t.SafeTxGas)
	}
	baseGas, ok := parseDecimal(t.BaseGas)
	if !ok || !baseGas.IsUint64() {
		return Transaction{}, eris.Errorf("malformed baseGas %q", t.BaseGas)
	}
	return Transaction{
		To:             t.To,
		Value:          value,
		Data:           append([]byte(nil), t.Data...),
		Operation:      Operation(t.Operation),
		SafeTxGas:      safeTxGas.Uint64(),
		BaseGas:        baseGas.Uint64(),
		GasPrice:       gasPrice,
		GasToken:       t.GasToken,
		RefundReceiver: t.RefundReceiver,
		Nonce:          t.Nonce,
	}, nil
}

func parseDecimal(s string) (*big.Int, bool) {
	if s == "" {
		return new(big.Int), true
	}
	return new(big.Int).SetString(s, 10)
}
