package consistency

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// CommitTxLookup resolves the L1 commit transaction hash for a batch
// number. A production deployment backs this with an L1 event index (the
// commit transaction's calldata carries the batch range); that index is
// an external collaborator per spec.md §2, so this interface is the seam
// rather than a commit-tx-finding implementation.
type CommitTxLookup interface {
	CommitTxHash(ctx context.Context, batchNumber uint64) (common.Hash, bool, error)
}

// CalldataUnpacker decodes a commit transaction's input into the
// committed root hash and commitment. The concrete L1 contract ABI is
// out of scope for this core (spec.md §4.7 names the operation, not the
// ABI); production wires this to the rollup contract's generated
// abigen binding.
type CalldataUnpacker func(input []byte) (CommitData, error)

// L1Decoder is the CommitDataDecoder backing the consistency checker
// against a real L1 node, composed from an ethclient.Client (the
// teacher's own L1 JSON-RPC facade) plus the two pluggable seams above.
type L1Decoder struct {
	eth    *ethclient.Client
	lookup CommitTxLookup
	unpack CalldataUnpacker
}

// NewL1Decoder dials url and returns a decoder using lookup to find
// commit transactions and unpack to decode their calldata.
func NewL1Decoder(ctx context.Context, url string, lookup CommitTxLookup, unpack CalldataUnpacker) (*L1Decoder, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("consistency: dial l1 client %s: %w", url, err)
	}
	return &L1Decoder{eth: c, lookup: lookup, unpack: unpack}, nil
}

// CommitDataForBatch implements CommitDataDecoder.
func (d *L1Decoder) CommitDataForBatch(ctx context.Context, batchNumber uint64) (CommitData, bool, error) {
	txHash, ok, err := d.lookup.CommitTxHash(ctx, batchNumber)
	if err != nil {
		return CommitData{}, false, fmt.Errorf("consistency: resolve commit tx for batch %d: %w", batchNumber, err)
	}
	if !ok {
		return CommitData{}, false, nil
	}
	tx, isPending, err := d.eth.TransactionByHash(ctx, txHash)
	if err != nil {
		return CommitData{}, false, fmt.Errorf("consistency: fetch commit tx %s: %w", txHash, err)
	}
	if isPending {
		return CommitData{}, false, nil
	}
	data, err := d.unpack(tx.Data())
	if err != nil {
		return CommitData{}, false, fmt.Errorf("consistency: unpack commit calldata %s: %w", txHash, err)
	}
	return data, true, nil
}

func (d *L1Decoder) Close() {
	d.eth.Close()
}
