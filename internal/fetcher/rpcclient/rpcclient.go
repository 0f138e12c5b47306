// Package rpcclient wraps a github.com/ethereum/go-ethereum/rpc.Client
// the way the teacher's own ethclient package wraps it: a typed,
// context-aware facade over a single raw JSON-RPC method, rather than
// hand-rolling an HTTP client.
package rpcclient

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// RemoteTx is the wire shape of one transaction inside a fetched
// miniblock: opaque beyond what the core needs to route and account for.
type RemoteTx struct {
	Hash     common.Hash    `json:"hash"`
	Sender   common.Address `json:"sender"`
	Nonce    uint64         `json:"nonce"`
	GasLimit uint64         `json:"gasLimit"`
	Input    []byte         `json:"input"`
	Origin   uint8          `json:"origin"`
}

// RemoteMiniblock is one element of the paginated sync endpoint's
// response (spec.md §6 "Upstream fetch (RPC)").
type RemoteMiniblock struct {
	Number        uint64     `json:"number"`
	Timestamp     uint64     `json:"timestamp"`
	BatchNumber   uint64     `json:"l1BatchNumber"`
	FirstInBatch  bool       `json:"firstInBatch"`
	LastInBatch   bool       `json:"lastInBatch"`
	VirtualBlocks uint32     `json:"virtualBlocks"`
	Hash          common.Hash `json:"hash"`
	Transactions  []RemoteTx `json:"transactions"`
}

// Client is a thin typed facade over the main node's sync JSON-RPC
// namespace.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to url, matching the teacher's ethclient.DialContext
// pattern of wrapping rpc.DialContext behind a typed client.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", url, err)
	}
	return &Client{rpc: c}, nil
}

// SyncMiniblocks requests up to maxCount miniblocks starting at
// fromMiniblock. The endpoint is idempotent and paginated (spec.md §6).
func (c *Client) SyncMiniblocks(ctx context.Context, fromMiniblock uint64, maxCount int) ([]RemoteMiniblock, error) {
	var out []RemoteMiniblock
	if err := c.rpc.CallContext(ctx, &out, "extnode_syncMiniblocks", fromMiniblock, maxCount); err != nil {
		return nil, fmt.Errorf("rpcclient: syncMiniblocks from %d: %w", fromMiniblock, err)
	}
	return out, nil
}

// MiniblockHash answers "what hash does the main node report for
// miniblock number", the reorg detector's RemoteHashSource contract
// (spec.md §4.5). ok=false means the main node does not know this
// miniblock yet.
func (c *Client) MiniblockHash(ctx context.Context, number uint64) (common.Hash, bool, error) {
	var out *common.Hash
	if err := c.rpc.CallContext(ctx, &out, "extnode_miniblockHash", number); err != nil {
		return common.Hash{}, false, fmt.Errorf("rpcclient: miniblockHash %d: %w", number, err)
	}
	if out == nil {
		return common.Hash{}, false, nil
	}
	return *out, true, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}
