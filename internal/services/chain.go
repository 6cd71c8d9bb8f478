package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// ChainStatus is a snapshot of the loan registry chain as seen from here.
type ChainStatus struct {
	Connected   bool  `json:"connected"`
	BlockNumber int64 `json:"block_number"`
	ChainID     int64 `json:"chain_id"`
}

// ChainService reads the blockchain node that anchors loan records. It
// speaks plain JSON-RPC; the node is optional and everything downstream
// treats a missing node as "not connected" rather than an error.
type ChainService struct {
	rpcURL          string
	contractAddress string
	client          *http.Client
}

func NewChainService() *ChainService {
	return &ChainService{
		rpcURL:          strings.TrimRight(os.Getenv("WEB3_RPC_URL"), "/"),
		contractAddress: os.Getenv("LOAN_REGISTRY_CONTRACT_ADDRESS"),
		client:          &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether a node URL is set at all.
func (s *ChainService) Configured() bool {
	return s.rpcURL != ""
}

// ContractAddress returns the loan registry contract address, empty when
// not deployed.
func (s *ChainService) ContractAddress() string {
	return s.contractAddress
}

// Status probes the node. An unreachable or unconfigured node yields
// Connected=false, never an error.
func (s *ChainService) Status(ctx context.Context) ChainStatus {
	if s.rpcURL == "" {
		return ChainStatus{}
	}

	block, err := s.callHex(ctx, "eth_blockNumber")
	if err != nil {
		return ChainStatus{}
	}
	chainID, err := s.callHex(ctx, "eth_chainId")
	if err != nil {
		return ChainStatus{}
	}
	return ChainStatus{Connected: true, BlockNumber: block, ChainID: chainID}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// callHex invokes a parameterless RPC method that returns a hex quantity.
func (s *ChainService) callHex(ctx context.Context, method string) (int64, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: []interface{}{}, ID: 1})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, NewExternalError("chain", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, NewExternalError("chain", err)
	}
	if resp.StatusCode >= 300 {
		return 0, NewExternalError("chain", fmt.Errorf("%s returned %d: %s", method, resp.StatusCode, string(body)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return 0, NewExternalError("chain", err)
	}
	if rpcResp.Error != nil {
		return 0, NewExternalError("chain", fmt.Errorf("%s failed: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code))
	}

	var hex string
	if err := json.Unmarshal(rpcResp.Result, &hex); err != nil {
		return 0, NewExternalError("chain", err)
	}
	return parseHexQuantity(hex)
}

func parseHexQuantity(hex string) (int64, error) {
	trimmed := strings.TrimPrefix(hex, "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("empty hex quantity %q", hex)
	}
	v, err := strconv.ParseInt(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad hex quantity %q: %w", hex, err)
	}
	return v, nil
}
