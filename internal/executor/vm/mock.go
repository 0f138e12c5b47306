// Package vm provides a deterministic mock VM used by state-keeper and
// executor tests in place of the real bootloader-driven VM. It computes
// root hashes and commitments as a keccak digest over the applied
// transactions so that determinism (spec.md P4) is exercised without a
// real EVM.
package vm

import (
	"context"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"chain-extnode/sync/internal/executor"
	"chain-extnode/sync/internal/syncaction"
)

// Mock is a deterministic stand-in for the VM. RejectHashes and
// OutOfGasHashes flag transaction hashes it must fail, simulating a
// replayed transaction the main node accepted but this node cannot
// reproduce.
type Mock struct {
	env   executor.BatchEnv
	sys   executor.SystemEnv
	buf   []byte
	miniblocksSeen int

	// RejectHashes, when non-nil, causes ExecuteTx to return
	// ResultRejectedByVM for any transaction whose hash is present.
	RejectHashes map[common.Hash]bool
	// OutOfGasHashes causes ExecuteTx to return ResultBootloaderOutOfGas.
	OutOfGasHashes map[common.Hash]bool

	lastTxAppliedLen int
}

// New constructs a mock VM seeded with its batch/system environment. The
// seed is folded into the digest so different batches never collide.
func New(env executor.BatchEnv, sys executor.SystemEnv) *Mock {
	m := &Mock{env: env, sys: sys}
	seed := make([]byte, 8)
	binary.BigEndian.PutUint64(seed, env.BatchNumber)
	m.buf = append(m.buf, seed...)
	return m
}

func (m *Mock) ExecuteTx(ctx context.Context, tx syncaction.Transaction) (executor.TxResult, error) {
	if m.OutOfGasHashes[tx.Hash] {
		return executor.TxResult{Kind: executor.ResultBootloaderOutOfGas}, nil
	}
	if m.RejectHashes[tx.Hash] {
		return executor.TxResult{Kind: executor.ResultRejectedByVM, HaltReason: "mock rejection"}, nil
	}
	m.lastTxAppliedLen = len(m.buf)
	m.buf = append(m.buf, tx.Hash.Bytes()...)
	return executor.TxResult{
		Kind:    executor.ResultSuccess,
		GasUsed: tx.GasLimit / 2,
		Logs:    [][]byte{append([]byte("log:"), tx.Hash.Bytes()...)},
		StorageDiffs: []executor.StorageDiff{
			{Key: tx.Sender.Bytes(), Value: tx.Hash.Bytes()},
		},
	}, nil
}

func (m *Mock) StartNextMiniblock(ctx context.Context, p syncaction.MiniblockParams) error {
	m.miniblocksSeen++
	numBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(numBuf, p.Number)
	m.buf = append(m.buf, numBuf...)
	return nil
}

func (m *Mock) RollbackLastTx(ctx context.Context) error {
	m.buf = m.buf[:m.lastTxAppliedLen]
	return nil
}

func (m *Mock) FinishBatch(ctx context.Context) (executor.VmBlockResult, error) {
	root := crypto.Keccak256Hash(m.buf)
	commitment := crypto.Keccak256Hash(root.Bytes(), []byte{byte(m.sys.ProtocolVersion)})
	return executor.VmBlockResult{
		RootHash:         root,
		Commitment:       commitment,
		SystemLogsDigest: crypto.Keccak256Hash(m.buf, []byte("system-logs")),
		BootloaderHash:   m.sys.BaseSystemContractsHash,
		DefaultAAHash:    m.sys.BaseSystemContractsHash,
	}, nil
}
