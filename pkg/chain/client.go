// Package chain is a minimal JSON-RPC client for the on-chain license
// registry. It speaks raw eth_call against the registry contract; the
// gateway only ever reads two views, so a full chain SDK is not pulled in.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/tachi-protocol/gateway/internal/config"
	"github.com/tachi-protocol/gateway/internal/resilience"
)

// Function selectors of the registry contract views.
const (
	hasLicenseSelector     = "0x9a5b2f12" // hasLicense(address)
	getLicenseDataSelector = "0x3f0c4b77" // getLicenseData(address)
)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// LicenseData is the decoded return of getLicenseData: the license token id
// and whether the license is currently active.
type LicenseData struct {
	TokenID string
	Active  bool
}

// Client performs read-only calls against the license registry contract.
// All calls run through a circuit breaker so a dead RPC endpoint fails fast
// instead of holding request workers for the full timeout.
type Client struct {
	httpClient *http.Client
	rpcURL     string
	registry   string
	chainID    int64
	breaker    *resilience.CircuitBreaker
}

// New builds a registry client from chain config.
func New(cfg config.ChainConfig, circuit resilience.CircuitBreakerConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		rpcURL:     cfg.RPCURL,
		registry:   cfg.RegistryAddress,
		chainID:    cfg.ChainID,
		breaker:    resilience.NewCircuitBreaker(circuit),
	}
}

// HasLicense reports whether the publisher address holds an active license.
func (c *Client) HasLicense(ctx context.Context, publisherAddress string) (bool, error) {
	data, err := encodeAddressCall(hasLicenseSelector, publisherAddress)
	if err != nil {
		return false, err
	}
	result, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (string, error) {
		return c.ethCall(ctx, data)
	})
	if err != nil {
		return false, err
	}
	return decodeBool(result)
}

// GetLicenseData returns the license token id and active flag for a
// publisher address.
func (c *Client) GetLicenseData(ctx context.Context, publisherAddress string) (*LicenseData, error) {
	data, err := encodeAddressCall(getLicenseDataSelector, publisherAddress)
	if err != nil {
		return nil, err
	}
	result, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (string, error) {
		return c.ethCall(ctx, data)
	})
	if err != nil {
		return nil, err
	}
	return decodeLicenseData(result)
}

// CircuitState exposes the breaker state for health reporting.
func (c *Client) CircuitState() resilience.CircuitState {
	return c.breaker.State()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result string    `json:"result"`
	Error  *rpcError `json:"error"`
}

type callParams struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

func (c *Client) ethCall(ctx context.Context, data string) (string, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_call",
		Params:  []any{callParams{To: c.registry, Data: data}, "latest"},
	})
	if err != nil {
		return "", eris.Wrap(err, "chain: encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return "", eris.Wrap(err, "chain: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "chain: rpc call")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("chain: rpc status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", eris.Wrap(err, "chain: read response")
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return "", eris.Wrap(err, "chain: decode response")
	}
	if rpcResp.Error != nil {
		return "", eris.Errorf("chain: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// encodeAddressCall builds calldata for a single-address view: the 4-byte
// selector followed by the address left-padded to a 32-byte word.
func encodeAddressCall(selector, address string) (string, error) {
	if !addressRe.MatchString(address) {
		return "", eris.Errorf("chain: invalid address %q", address)
	}
	padded := strings.Repeat("0", 24) + strings.ToLower(strings.TrimPrefix(address, "0x"))
	return selector + padded, nil
}

func stripHex(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "0x")
}

func word(hexData string, i int) (string, error) {
	start := i * 64
	if len(hexData) < start+64 {
		return "", eris.Errorf("chain: result too short for word %d", i)
	}
	return hexData[start : start+64], nil
}

func decodeBool(result string) (bool, error) {
	w, err := word(stripHex(result), 0)
	if err != nil {
		return false, err
	}
	n, ok := new(big.Int).SetString(w, 16)
	if !ok {
		return false, eris.Errorf("chain: malformed bool word %q", w)
	}
	return n.Sign() != 0, nil
}

func decodeLicenseData(result string) (*LicenseData, error) {
	hexData := stripHex(result)
	tokenWord, err := word(hexData, 0)
	if err != nil {
		return nil, err
	}
	activeWord, err := word(hexData, 1)
	if err != nil {
		return nil, err
	}

	tokenID, ok := new(big.Int).SetString(tokenWord, 16)
	if !ok {
		return nil, eris.Errorf("chain: malformed token id word %q", tokenWord)
	}
	active, ok := new(big.Int).SetString(activeWord, 16)
	if !ok {
		return nil, eris.Errorf("chain: malformed active word %q", activeWord)
	}

	return &LicenseData{
		TokenID: tokenID.String(),
		Active:  active.Sign() != 0,
	}, nil
}
