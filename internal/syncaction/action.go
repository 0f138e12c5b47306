// Package syncaction defines the sync-action stream that connects the
// fetcher to the state-keeper loop: the tagged action variants, the
// transaction and parameter types they carry, and the IO cursor that
// tracks replay position.
package syncaction

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrProtocolViolation is returned by the state machine when an action
// arrives in a state that does not accept it. It is always fatal.
var ErrProtocolViolation = errors.New("syncaction: protocol violation")

// Kind tags the variant carried by an Action.
type Kind uint8

const (
	KindOpenBatch Kind = iota
	KindMiniblock
	KindTx
	KindSealMiniblock
	KindSealBatch
)

func (k Kind) String() string {
	switch k {
	case KindOpenBatch:
		return "OpenBatch"
	case KindMiniblock:
		return "Miniblock"
	case KindTx:
		return "Tx"
	case KindSealMiniblock:
		return "SealMiniblock"
	case KindSealBatch:
		return "SealBatch"
	default:
		return "Unknown"
	}
}

// TxOrigin distinguishes L1-originated from L2-originated transactions.
// L1 transactions are identified by a reserved type marker, mirroring the
// priority-transaction type byte of the original implementation.
type TxOrigin uint8

const (
	OriginL2 TxOrigin = iota
	OriginL1
)

// L1TxType is the reserved transaction type marker identifying an
// L1-originated (priority) transaction in its canonical encoding.
const L1TxType = 0xff

// Transaction is opaque to the core beyond the fields it needs to route,
// account for, and log. The canonical encoding is never interpreted here.
type Transaction struct {
	Hash     common.Hash
	Sender   common.Address
	Nonce    uint64
	GasLimit uint64
	Input    []byte
	Origin   TxOrigin
}

// MiniblockParams describes one miniblock. A Miniblock action carrying it
// opens that miniblock within the currently open batch; every miniblock of
// a batch, the first one included, is opened this way.
type MiniblockParams struct {
	Number        uint64
	Timestamp     uint64
	VirtualBlocks uint32
}

// BatchParams opens a new L1 batch. FirstMiniblock carries the parameters
// of the batch's first miniblock, which the Miniblock action following
// OpenBatch opens.
type BatchParams struct {
	BatchNumber      uint64
	Timestamp        uint64
	FeeInput         FeeInput
	ProtocolVersion  uint32
	OperatorAddress  common.Address
	FirstMiniblock   MiniblockParams
}

// FeeInput carries the fee model parameters the batch was opened with.
// The core treats it as an opaque value copied verbatim into the batch
// header; it never recomputes fees.
type FeeInput struct {
	L1GasPriceWei   uint64
	FairL2GasPrice  uint64
}

// Action is one element of the ordered sync-action stream. Exactly one
// of the typed fields is meaningful, selected by Kind; this mirrors the
// tagged-variant data model of spec.md rather than a Go sum type, since
// the teacher's own wire-facing structs (e.g. core/types) favor flat
// structs with a discriminant over interface-per-variant for hot-path
// throughput.
type Action struct {
	Kind      Kind
	Batch     BatchParams     // valid when Kind == KindOpenBatch
	Miniblock MiniblockParams // valid when Kind == KindMiniblock
	Tx        Transaction     // valid when Kind == KindTx
}

// OpenBatch constructs a KindOpenBatch action.
func OpenBatch(p BatchParams) Action { return Action{Kind: KindOpenBatch, Batch: p} }

// Miniblock constructs a KindMiniblock action.
func Miniblock(p MiniblockParams) Action { return Action{Kind: KindMiniblock, Miniblock: p} }

// Tx constructs a KindTx action.
func Tx(t Transaction) Action { return Action{Kind: KindTx, Tx: t} }

// SealMiniblock constructs a KindSealMiniblock action.
func SealMiniblock() Action { return Action{Kind: KindSealMiniblock} }

// SealBatch constructs a KindSealBatch action.
func SealBatch() Action { return Action{Kind: KindSealBatch} }

// Cursor is the {next_miniblock, prev_miniblock_hash, prev_miniblock_timestamp, l1_batch}
// tuple that identifies the node's current replay position. It is
// produced by initialization and advanced monotonically by the fetcher as
// it publishes each miniblock.
type Cursor struct {
	NextMiniblock        uint64
	PrevMiniblockHash    common.Hash
	PrevMiniblockTime    uint64
	L1Batch              uint64
}

// ViolationError reports an action rejected by the state machine grammar
// (spec.md P2), annotated with the state it arrived in.
type ViolationError struct {
	State  string
	Action Kind
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("syncaction: action %s not accepted in state %s", e.Action, e.State)
}

func (e *ViolationError) Unwrap() error { return ErrProtocolViolation }
