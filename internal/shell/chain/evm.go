package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// =============================================================================
// EVM Execution Layer Reader
// =============================================================================

// evmBackend is the subset of ethclient.Client the reader needs.
type evmBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EVMReader reads confirmation depth from an EVM JSON-RPC node.
//
// A node cannot tell a dropped transaction from one it has not seen yet, so
// a hash unknown to the node is reported as ErrTxNotFound until it has been
// missing for DropAfter, then as ErrTxDropped.
type EVMReader struct {
	backend   evmBackend
	dropAfter time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	missing map[common.Hash]time.Time
}

// EVMConfig holds configuration for the EVM reader.
type EVMConfig struct {
	RPCURL    string
	DropAfter time.Duration
}

// DialEVM connects to the node at cfg.RPCURL.
func DialEVM(ctx context.Context, cfg EVMConfig, logger *slog.Logger) (*EVMReader, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial execution layer %s: %w", cfg.RPCURL, err)
	}
	return NewEVMReader(client, cfg.DropAfter, logger), nil
}

// NewEVMReader wraps an already connected backend.
func NewEVMReader(backend evmBackend, dropAfter time.Duration, logger *slog.Logger) *EVMReader {
	if logger == nil {
		logger = slog.Default()
	}
	if dropAfter <= 0 {
		dropAfter = 2 * time.Minute
	}
	return &EVMReader{
		backend:   backend,
		dropAfter: dropAfter,
		now:       time.Now,
		logger:    logger.With("component", "evm_reader"),
		missing:   make(map[common.Hash]time.Time),
	}
}

// HeadHeight implements LedgerReader.
func (r *EVMReader) HeadHeight(ctx context.Context) (uint64, error) {
	head, err := r.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("execution layer head: %w", err)
	}
	return head, nil
}

// ConfirmationDepth implements LedgerReader.
func (r *EVMReader) ConfirmationDepth(ctx context.Context, ref string) (uint64, error) {
	hash, err := parseTxHash(ref)
	if err != nil {
		return 0, err
	}

	receipt, err := r.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return 0, fmt.Errorf("receipt %s: %w", ref, err)
		}
		return r.unmined(ctx, hash, ref)
	}
	r.forget(hash)

	if receipt.Status == types.ReceiptStatusFailed {
		return 0, fmt.Errorf("%w: %s in block %s", ErrTxReverted, ref, receipt.BlockNumber)
	}

	head, err := r.HeadHeight(ctx)
	if err != nil {
		return 0, err
	}
	if receipt.BlockNumber == nil {
		return 0, nil
	}
	return depthAt(head, receipt.BlockNumber.Uint64()), nil
}

// unmined handles a hash with no receipt.
func (r *EVMReader) unmined(ctx context.Context, hash common.Hash, ref string) (uint64, error) {
	_, _, err := r.backend.TransactionByHash(ctx, hash)
	switch {
	case err == nil:
		// Pending, or mined and the receipt is not indexed yet.
		r.forget(hash)
		return 0, nil
	case errors.Is(err, ethereum.NotFound):
		r.mu.Lock()
		first, seen := r.missing[hash]
		if !seen {
			first = r.now()
			r.missing[hash] = first
		}
		r.mu.Unlock()

		if r.now().Sub(first) >= r.dropAfter {
			r.logger.Warn("transaction missing from node", "tx", ref, "missing_for", r.now().Sub(first))
			return 0, fmt.Errorf("%w: %s", ErrTxDropped, ref)
		}
		return 0, fmt.Errorf("%w: %s", ErrTxNotFound, ref)
	default:
		return 0, fmt.Errorf("transaction %s: %w", ref, err)
	}
}

func (r *EVMReader) forget(hash common.Hash) {
	r.mu.Lock()
	delete(r.missing, hash)
	r.mu.Unlock()
}

func parseTxHash(ref string) (common.Hash, error) {
	b, err := hexutil.Decode(ref)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %q is not a 32-byte hex hash", ErrInvalidRef, ref)
	}
	return common.BytesToHash(b), nil
}
