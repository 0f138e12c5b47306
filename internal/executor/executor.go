// Package executor wraps the deterministic L2 VM behind the
// command/response protocol of spec.md §4.4: a handle that accepts
// ExecuteTx, StartNextMiniblock, RollbackLastTx and FinishBatch commands
// serially, processed on a dedicated worker so the state-keeper loop
// itself stays cooperative.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"chain-extnode/sync/internal/syncaction"
)

// ErrRejectedByVM marks a replayed transaction the VM refused to apply —
// replay divergence from the main node, always fatal (spec.md §4.3).
var ErrRejectedByVM = errors.New("executor: transaction rejected by vm")

// ErrBootloaderOutOfGas marks the bootloader running out of gas mid-batch,
// also fatal for an external node (spec.md §4.3, §9 design note).
var ErrBootloaderOutOfGas = errors.New("executor: bootloader out of gas")

// ResultKind tags the outcome of ExecuteTx.
type ResultKind uint8

const (
	ResultSuccess ResultKind = iota
	ResultRejectedByVM
	ResultBootloaderOutOfGas
)

// StorageDiff is one key/value slot the transaction wrote, carried
// through to persistence (spec.md §3 "Miniblock Execution Data").
type StorageDiff struct {
	Key   []byte
	Value []byte
}

// TxResult is the outcome of executing one transaction.
type TxResult struct {
	Kind                ResultKind
	Logs                [][]byte
	StorageDiffs        []StorageDiff
	GasUsed             uint64
	GasRefunded         uint64
	CompressedBytecodes [][]byte
	HaltReason          string
}

// VmBlockResult is returned by FinishBatch: the sealed batch's root hash,
// commitment inputs and system logs. Determinism (spec.md P4) requires
// these to byte-match the main node for identical inputs.
type VmBlockResult struct {
	RootHash          common.Hash
	Commitment        common.Hash
	SystemLogsDigest  common.Hash
	BootloaderHash    common.Hash
	DefaultAAHash     common.Hash
	L1TxCount         uint32
	L2TxCount         uint32
}

// BatchEnv and SystemEnv carry the opaque environment the VM is
// initialized with; the core never inspects their fields beyond passing
// them through to the VMFactory and InitBatch.
type BatchEnv struct {
	BatchNumber     uint64
	Timestamp       uint64
	FeeInput        syncaction.FeeInput
	OperatorAddress common.Address
	FirstMiniblock  syncaction.MiniblockParams
}

type SystemEnv struct {
	ProtocolVersion uint32
	BaseSystemContractsHash common.Hash
}

// VM is the deterministic VM the Handle drives. A real implementation
// wraps the bootloader/VM process; vm.Mock (executor/vm) exercises the
// same interface in tests without it.
type VM interface {
	ExecuteTx(ctx context.Context, tx syncaction.Transaction) (TxResult, error)
	StartNextMiniblock(ctx context.Context, p syncaction.MiniblockParams) error
	RollbackLastTx(ctx context.Context) error
	FinishBatch(ctx context.Context) (VmBlockResult, error)
}

// command is the internal command/response envelope that serializes
// access to the VM onto a single worker goroutine, mirroring the
// teacher's pattern of funnelling concurrent callers through one
// channel-driven owner rather than a mutex (spec.md §9 design note).
type command struct {
	kind    commandKind
	tx      syncaction.Transaction
	mb      syncaction.MiniblockParams
	resultC chan result
}

type commandKind uint8

const (
	cmdExecuteTx commandKind = iota
	cmdStartNextMiniblock
	cmdRollbackLastTx
	cmdFinishBatch
)

type result struct {
	tx    TxResult
	block VmBlockResult
	err   error
}

// Handle is a live batch execution session. Commands are processed in
// receive order and responses are paired one-for-one; RollbackLastTx is
// only valid immediately after a successful ExecuteTx.
type Handle struct {
	cmdC    chan command
	doneC   chan struct{}
	log     log.Logger
	lastWasSuccessTx bool
}

// InitBatch starts the VM worker and returns a handle, or nil if stop
// fired before initialization completed.
func InitBatch(ctx context.Context, vm VM, env BatchEnv, sys SystemEnv, stop <-chan struct{}) *Handle {
	select {
	case <-stop:
		return nil
	default:
	}

	h := &Handle{
		cmdC:  make(chan command),
		doneC: make(chan struct{}),
		log:   log.New("component", "batch-executor", "batch", env.BatchNumber),
	}
	go h.run(ctx, vm, stop)
	return h
}

func (h *Handle) run(ctx context.Context, vm VM, stop <-chan struct{}) {
	defer close(h.doneC)
	for {
		select {
		case <-stop:
			return
		case cmd := <-h.cmdC:
			h.dispatch(ctx, vm, cmd)
		}
	}
}

func (h *Handle) dispatch(ctx context.Context, vm VM, cmd command) {
	switch cmd.kind {
	case cmdExecuteTx:
		res, err := vm.ExecuteTx(ctx, cmd.tx)
		if err == nil {
			switch res.Kind {
			case ResultSuccess:
				h.lastWasSuccessTx = true
			case ResultRejectedByVM:
				err = fmt.Errorf("%w: tx %s: %s", ErrRejectedByVM, cmd.tx.Hash, res.HaltReason)
				h.lastWasSuccessTx = false
			case ResultBootloaderOutOfGas:
				err = ErrBootloaderOutOfGas
				h.lastWasSuccessTx = false
			}
		} else {
			h.lastWasSuccessTx = false
		}
		cmd.resultC <- result{tx: res, err: err}
	case cmdStartNextMiniblock:
		err := vm.StartNextMiniblock(ctx, cmd.mb)
		h.lastWasSuccessTx = false
		cmd.resultC <- result{err: err}
	case cmdRollbackLastTx:
		var err error
		if !h.lastWasSuccessTx {
			err = errors.New("executor: RollbackLastTx only valid after a successful ExecuteTx")
		} else {
			err = vm.RollbackLastTx(ctx)
			h.lastWasSuccessTx = false
		}
		cmd.resultC <- result{err: err}
	case cmdFinishBatch:
		block, err := vm.FinishBatch(ctx)
		cmd.resultC <- result{block: block, err: err}
	}
}

func (h *Handle) send(ctx context.Context, cmd command) (result, error) {
	select {
	case h.cmdC <- cmd:
	case <-h.doneC:
		return result{}, errors.New("executor: handle stopped")
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case r := <-cmd.resultC:
		return r, nil
	case <-h.doneC:
		return result{}, errors.New("executor: handle stopped mid-command")
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// ExecuteTx executes tx against the open miniblock.
func (h *Handle) ExecuteTx(ctx context.Context, tx syncaction.Transaction) (TxResult, error) {
	r, err := h.send(ctx, command{kind: cmdExecuteTx, tx: tx, resultC: make(chan result, 1)})
	if err != nil {
		return TxResult{}, err
	}
	return r.tx, r.err
}

// StartNextMiniblock tells the VM to start a new miniblock.
func (h *Handle) StartNextMiniblock(ctx context.Context, p syncaction.MiniblockParams) error {
	_, err := h.send(ctx, command{kind: cmdStartNextMiniblock, mb: p, resultC: make(chan result, 1)})
	return err
}

// RollbackLastTx discards the last executed transaction. Valid only when
// the last command was a successful ExecuteTx.
func (h *Handle) RollbackLastTx(ctx context.Context) error {
	_, err := h.send(ctx, command{kind: cmdRollbackLastTx, resultC: make(chan result, 1)})
	return err
}

// FinishBatch finishes the batch and returns the sealed VM block result.
func (h *Handle) FinishBatch(ctx context.Context) (VmBlockResult, error) {
	r, err := h.send(ctx, command{kind: cmdFinishBatch, resultC: make(chan result, 1)})
	if err != nil {
		return VmBlockResult{}, err
	}
	return r.block, r.err
}
