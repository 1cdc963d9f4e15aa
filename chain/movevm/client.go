package movevm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/chain"
)

const (
	payloadTypeEntryFunction = "entry_function_payload"
	signatureTypeEd25519     = "ed25519_signature"

	txTypePending = "pending_transaction"
	txTypeUser    = "user_transaction"

	defaultHTTPTimeout = 30 * time.Second
)

// notFoundCodes are the error_code values the node uses for absent state.
var notFoundCodes = map[string]bool{
	"account_not_found":     true,
	"resource_not_found":    true,
	"module_not_found":      true,
	"transaction_not_found": true,
	"table_item_not_found":  true,
}

// APIError is a non 2xx reply from the node.
type APIError struct {
	StatusCode  int    `json:"-"`
	Message     string `json:"message"`
	ErrorCode   string `json:"error_code"`
	VMErrorCode int    `json:"vm_error_code,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("move node replied %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
}

func (e *APIError) notFound() bool {
	return e.StatusCode == http.StatusNotFound || notFoundCodes[e.ErrorCode]
}

type EntryFunctionPayload struct {
	Type          string   `json:"type"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

type RawTransaction struct {
	Sender                  string               `json:"sender"`
	SequenceNumber          string               `json:"sequence_number"`
	MaxGasAmount            string               `json:"max_gas_amount"`
	GasUnitPrice            string               `json:"gas_unit_price"`
	ExpirationTimestampSecs string               `json:"expiration_timestamp_secs"`
	Payload                 EntryFunctionPayload `json:"payload"`
}

type Signature struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type SubmitRequest struct {
	RawTransaction
	Signature Signature `json:"signature"`
}

type ViewRequest struct {
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

type AccountInfo struct {
	SequenceNumber    string `json:"sequence_number"`
	AuthenticationKey string `json:"authentication_key"`
}

type resourceReply struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type gasEstimate struct {
	GasEstimate uint64 `json:"gas_estimate"`
}

// Transaction is the part of a transaction reply the adapter reads. Pending transactions only carry Type and Hash.
type Transaction struct {
	Type     string `json:"type"`
	Hash     string `json:"hash"`
	Version  string `json:"version,omitempty"`
	Success  bool   `json:"success"`
	VMStatus string `json:"vm_status,omitempty"`
	GasUsed  string `json:"gas_used,omitempty"`
}

// Client speaks the Aptos style REST API served by Movement nodes. BaseURL includes the version prefix, e.g.
// https://node.example/v1.
type Client struct {
	baseURL string
	http    *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Account(ctx context.Context, addr string) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.do(ctx, http.MethodGet, "/accounts/"+addr, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// AccountResource returns the data field of the resource. Absent resources yield chain.ErrNotFound.
func (c *Client) AccountResource(ctx context.Context, addr, resourceType string) (json.RawMessage, error) {
	var res resourceReply
	path := "/accounts/" + addr + "/resource/" + url.PathEscape(resourceType)
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (c *Client) AccountModule(ctx context.Context, addr, name string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/accounts/"+addr+"/module/"+url.PathEscape(name), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// View calls a #[view] function and returns its return values.
func (c *Client) View(ctx context.Context, req ViewRequest) ([]json.RawMessage, error) {
	if req.TypeArguments == nil {
		req.TypeArguments = []string{}
	}
	if req.Arguments == nil {
		req.Arguments = []any{}
	}
	var out []json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/view", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) EstimateGasPrice(ctx context.Context) (uint64, error) {
	var est gasEstimate
	if err := c.do(ctx, http.MethodGet, "/estimate_gas_price", nil, &est); err != nil {
		return 0, err
	}
	return est.GasEstimate, nil
}

// EncodeSubmission returns the BCS signing message of raw, computed by the node.
func (c *Client) EncodeSubmission(ctx context.Context, raw RawTransaction) ([]byte, error) {
	var hexMsg string
	if err := c.do(ctx, http.MethodPost, "/transactions/encode_submission", raw, &hexMsg); err != nil {
		return nil, err
	}
	msg, err := decodeHex(hexMsg)
	if err != nil {
		return nil, eris.Wrap(err, "malformed signing message")
	}
	return msg, nil
}

func (c *Client) SubmitTransaction(ctx context.Context, req SubmitRequest) (*Transaction, error) {
	var tx Transaction
	if err := c.do(ctx, http.MethodPost, "/transactions", req, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) SimulateTransaction(ctx context.Context, req SubmitRequest) ([]Transaction, error) {
	var out []Transaction
	if err := c.do(ctx, http.MethodPost, "/transactions/simulate", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	var tx Transaction
	if err := c.do(ctx, http.MethodGet, "/transactions/by_hash/"+hash, nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return eris.Wrap(err, "")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrapf(err, "failed to read reply of %s %s", method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(payload, apiErr); err != nil {
			apiErr.Message = string(payload)
		}
		if apiErr.notFound() {
			return eris.Wrapf(chain.ErrNotFound, "%s %s: %v", method, path, apiErr)
		}
		return eris.Wrapf(apiErr, "%s %s", method, path)
	}
	if out == nil {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(payload, out), "failed to decode reply of %s %s", method, path)
}
