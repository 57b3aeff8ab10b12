package ckb

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nervosnetwork/ckb-sdk-go/v2/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web5fans/micro-pay/internal/ledger"
	mtypes "github.com/web5fans/micro-pay/internal/types"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (any, *rpcError)
	calls    map[string]int
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	n := &fakeNode{
		handlers: make(map[string]func(params []json.RawMessage) (any, *rpcError)),
		calls:    make(map[string]int),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		n.mu.Lock()
		n.calls[req.Method]++
		h := n.handlers[req.Method]
		n.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if h == nil {
			resp["error"] = rpcError{Code: -32601, Message: "method not found"}
		} else if result, rpcErr := h(req.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return n, srv
}

func (n *fakeNode) handle(method string, h func(params []json.RawMessage) (any, *rpcError)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

func newTestClient(t *testing.T, url string) *Client {
	c, err := NewClient(context.Background(), Config{RPCURL: url, Network: "testnet"}, logrus.New())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func testAddress(t *testing.T, c *Client) string {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr, err := c.AddressFromKey(&key.PublicKey)
	require.NoError(t, err)
	return addr
}

func TestAddressRoundTrip(t *testing.T) {
	_, srv := newFakeNode(t)
	c := newTestClient(t, srv.URL)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr, err := c.AddressFromKey(&key.PublicKey)
	require.NoError(t, err)
	assert.Contains(t, addr, "ckt1")

	lock, err := c.LockScript(addr)
	require.NoError(t, err)
	assert.Equal(t, ledger.Blake160(crypto.CompressPubkey(&key.PublicKey)), lock.Args)

	deps, err := c.CellDeps(lock)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, types.DepTypeDepGroup, deps[0].DepType)

	_, err = c.LockScript("not-an-address")
	assert.ErrorIs(t, err, mtypes.ErrValidation)

	_, err = c.CellDeps(&types.Script{CodeHash: types.Hash{0x01}, HashType: types.HashTypeData1})
	assert.ErrorIs(t, err, mtypes.ErrUnsupportedCellShape)
}

func TestBalance(t *testing.T) {
	node, srv := newFakeNode(t)
	c := newTestClient(t, srv.URL)
	node.handle("get_cells_capacity", func(params []json.RawMessage) (any, *rpcError) {
		return map[string]any{"capacity": "0x1836e2100", "block_number": "0x10"}, nil
	})

	bal, err := c.Balance(context.Background(), testAddress(t, c))
	require.NoError(t, err)
	assert.Equal(t, uint64(6500000000), bal)
}

func TestSpendableCellsPages(t *testing.T) {
	node, srv := newFakeNode(t)
	c := newTestClient(t, srv.URL)

	cell := func(i int) map[string]any {
		return map[string]any{
			"output": map[string]any{
				"capacity": "0x174876e800",
				"lock": map[string]any{
					"code_hash": "0x9bd7e06f3ecf4be0f2fcd2188b23f1b9fcc88e5d4b65a8637b17723bbda3cce8",
					"hash_type": "type",
					"args":      "0x01",
				},
				"type": nil,
			},
			"output_data": "0x",
			"out_point": map[string]any{
				"tx_hash": "0x00000000000000000000000000000000000000000000000000000000000000aa",
				"index":   "0x" + string(rune('0'+i)),
			},
		}
	}
	node.handle("get_cells", func(params []json.RawMessage) (any, *rpcError) {
		var cursor *string
		_ = json.Unmarshal(params[3], &cursor)
		if cursor == nil {
			return map[string]any{"objects": []any{cell(0), cell(1)}, "last_cursor": "0xc1"}, nil
		}
		return map[string]any{"objects": []any{cell(2)}, "last_cursor": "0xc2"}, nil
	})

	cells, err := c.SpendableCells(context.Background(), testAddress(t, c), 2)
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.Equal(t, uint64(100000000000), cells[0].Output.Capacity)
	assert.True(t, cells[0].Plain())
	assert.Equal(t, uint32(1), cells[1].OutPoint.Index)
}

func TestStatus(t *testing.T) {
	node, srv := newFakeNode(t)
	c := newTestClient(t, srv.URL)

	statuses := map[string]any{
		"0x0000000000000000000000000000000000000000000000000000000000000001": map[string]any{"tx_status": map[string]any{"status": "committed"}},
		"0x0000000000000000000000000000000000000000000000000000000000000002": map[string]any{"tx_status": map[string]any{"status": "rejected", "reason": "dead cell"}},
	}
	node.handle("get_transaction", func(params []json.RawMessage) (any, *rpcError) {
		var hash string
		_ = json.Unmarshal(params[0], &hash)
		return statuses[hash], nil
	})

	tests := []struct {
		name string
		hash types.Hash
		want ledger.Status
	}{
		{name: "committed", hash: types.Hash{31: 1}, want: ledger.StatusCommitted},
		{name: "rejected", hash: types.Hash{31: 2}, want: ledger.StatusRejected},
		{name: "never seen", hash: types.Hash{31: 3}, want: ledger.StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Status(context.Background(), tt.hash)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSendRejectedIsTransactionError(t *testing.T) {
	node, srv := newFakeNode(t)
	c := newTestClient(t, srv.URL)
	node.handle("send_transaction", func(params []json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -301, Message: "TransactionFailedToResolve"}
	})

	_, err := c.Send(context.Background(), &types.Transaction{
		Inputs:  []*types.CellInput{{PreviousOutput: &types.OutPoint{}}},
		Outputs: []*types.CellOutput{{Capacity: 1, Lock: &types.Script{Args: []byte{}}}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, mtypes.ErrChain)
	var txErr *mtypes.TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "-301", txErr.Code)
}
