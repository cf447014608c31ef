package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artpar/dualdeploy/internal/core/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// =============================================================================
// Simulated Network
// =============================================================================

// DefaultDeployer is the first account of the common local development
// mnemonic. Its first contract lands at 0x5FbDB2315678afecb367f032d93F642f64180aa3.
var DefaultDeployer = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// SimulatedNetwork is an in-memory execution layer and anchor chain with
// independent block cadences. Transactions submitted in a batch are included
// in the next block of each ledger. Contract addresses are derived from the
// deployer and nonce as on a real EVM chain.
//
// Faults are injected per unit name and apply to the next submission that
// contains the unit.
type SimulatedNetwork struct {
	blockInterval  time.Duration
	anchorInterval time.Duration
	logger         *slog.Logger

	mu           sync.Mutex
	deployer     common.Address
	nonce        uint64
	execHeight   uint64
	anchorHeight uint64
	execTxs      map[string]*simTx
	anchorTxs    map[string]*simTx
	settlements  map[string]string // Exec ref to anchor ref
	addresses    map[string]string
	dropNext     map[string]bool
	revertNext   map[string]bool
	stallExec    bool
	stallAnchor  bool
	omitAnchor   bool
	failSubmits  int
	submissions  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type simTx struct {
	includedAt uint64
	dropped    bool
	reverted   bool
}

// SimulatedConfig holds configuration for the simulated network.
type SimulatedConfig struct {
	BlockInterval  time.Duration // Execution-layer block time; 0 means manual Mine
	AnchorInterval time.Duration // Anchor-chain block time; 0 means manual MineAnchor
	Deployer       string        // Hex address; DefaultDeployer when empty
}

// NewSimulatedNetwork creates a network with both ledgers at height 0.
func NewSimulatedNetwork(cfg SimulatedConfig, logger *slog.Logger) *SimulatedNetwork {
	if logger == nil {
		logger = slog.Default()
	}
	deployer := DefaultDeployer
	if cfg.Deployer != "" {
		deployer = common.HexToAddress(cfg.Deployer)
	}
	return &SimulatedNetwork{
		blockInterval:  cfg.BlockInterval,
		anchorInterval: cfg.AnchorInterval,
		logger:         logger.With("component", "simulated_network"),
		deployer:       deployer,
		execTxs:        make(map[string]*simTx),
		anchorTxs:      make(map[string]*simTx),
		settlements:    make(map[string]string),
		addresses:      make(map[string]string),
		dropNext:       make(map[string]bool),
		revertNext:     make(map[string]bool),
	}
}

// =============================================================================
// Block Production
// =============================================================================

// Start produces blocks on both ledgers at their configured intervals until
// ctx is done or Stop is called.
func (n *SimulatedNetwork) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	if n.blockInterval > 0 {
		n.wg.Add(1)
		go n.produce(ctx, n.blockInterval, func() { n.Mine(1) })
	}
	if n.anchorInterval > 0 {
		n.wg.Add(1)
		go n.produce(ctx, n.anchorInterval, func() { n.MineAnchor(1) })
	}
}

// Stop halts block production.
func (n *SimulatedNetwork) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
}

func (n *SimulatedNetwork) produce(ctx context.Context, interval time.Duration, mine func()) {
	defer n.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mine()
		}
	}
}

// Mine produces the given number of execution-layer blocks.
func (n *SimulatedNetwork) Mine(blocks int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < blocks; i++ {
		n.execHeight++
		if n.stallExec {
			continue
		}
		includePending(n.execTxs, n.execHeight)
	}
}

// MineAnchor produces the given number of anchor-chain blocks.
func (n *SimulatedNetwork) MineAnchor(blocks int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < blocks; i++ {
		n.anchorHeight++
		if n.stallAnchor {
			continue
		}
		includePending(n.anchorTxs, n.anchorHeight)
	}
}

func includePending(txs map[string]*simTx, height uint64) {
	for _, tx := range txs {
		if tx.includedAt == 0 && !tx.dropped {
			tx.includedAt = height
		}
	}
}

// =============================================================================
// Fault Injection
// =============================================================================

// DropNext evicts the execution transaction of the unit's next submission.
func (n *SimulatedNetwork) DropNext(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropNext[name] = true
}

// RevertNext makes the unit's next execution transaction fail on inclusion.
func (n *SimulatedNetwork) RevertNext(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revertNext[name] = true
}

// StallExec stops or resumes execution-layer inclusion. Blocks are still
// produced so the head keeps moving.
func (n *SimulatedNetwork) StallExec(stalled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stallExec = stalled
}

// StallAnchor stops or resumes anchor-chain inclusion.
func (n *SimulatedNetwork) StallAnchor(stalled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stallAnchor = stalled
}

// OmitAnchorRefs makes Submit leave AnchorTxRef empty, as a network without
// co-signed settlement does. The anchor reader still locates settlements.
func (n *SimulatedNetwork) OmitAnchorRefs(omit bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.omitAnchor = omit
}

// FailSubmissions rejects the next count submissions with a retryable error.
func (n *SimulatedNetwork) FailSubmissions(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failSubmits = count
}

// Submissions returns how many Submit calls were accepted.
func (n *SimulatedNetwork) Submissions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submissions
}

// Address returns the last address a deploy unit received.
func (n *SimulatedNetwork) Address(name string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr, ok := n.addresses[name]
	return addr, ok
}

// =============================================================================
// Submitter
// =============================================================================

// Submit implements Submitter.
func (n *SimulatedNetwork) Submit(ctx context.Context, payload BatchPayload) (*SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failSubmits > 0 {
		n.failSubmits--
		return nil, &SubmissionError{BatchID: payload.BatchID, Message: "simulated relayer unavailable", Retryable: true}
	}
	if len(payload.Units) == 0 {
		return nil, &SubmissionError{BatchID: payload.BatchID, Message: "empty batch"}
	}

	result := &SubmitResult{Units: make([]UnitSubmission, 0, len(payload.Units))}
	for _, u := range payload.Units {
		nonce := n.nonce
		n.nonce++

		var address string
		switch u.Kind {
		case domain.KindCall:
			address = n.addresses[callTarget(u.Data)]
		default:
			address = crypto.CreateAddress(n.deployer, nonce).Hex()
			n.addresses[u.Name] = address
		}

		ref := crypto.Keccak256Hash([]byte(payload.BatchID), []byte(u.Name), []byte(strconv.FormatUint(nonce, 10))).Hex()
		tx := &simTx{}
		if n.dropNext[u.Name] {
			tx.dropped = true
			delete(n.dropNext, u.Name)
		}
		if n.revertNext[u.Name] {
			tx.reverted = true
			delete(n.revertNext, u.Name)
		}
		n.execTxs[ref] = tx

		result.Units = append(result.Units, UnitSubmission{Name: u.Name, Address: address, ExecTxRef: ref})
	}
	result.ExecTxRef = result.Units[0].ExecTxRef

	anchor := crypto.Keccak256Hash([]byte("anchor"), []byte(payload.BatchID), []byte(strconv.Itoa(n.submissions))).Hex()
	anchorRef := strings.TrimPrefix(anchor, "0x")
	n.anchorTxs[anchorRef] = &simTx{}
	for _, u := range result.Units {
		n.settlements[u.ExecTxRef] = anchorRef
	}
	if !n.omitAnchor {
		result.AnchorTxRef = anchorRef
	}
	n.submissions++

	n.logger.Debug("batch accepted",
		"batch_id", payload.BatchID,
		"units", len(payload.Units),
		"exec_height", n.execHeight,
		"anchor_height", n.anchorHeight,
	)
	return result, nil
}

// callTarget extracts the target name from a JSONEncoder call payload.
func callTarget(data []byte) string {
	var enc encodedUnit
	if err := json.Unmarshal(data, &enc); err != nil {
		return ""
	}
	return enc.Target
}

// =============================================================================
// Ledger Readers
// =============================================================================

// Exec returns the execution-layer reader.
func (n *SimulatedNetwork) Exec() LedgerReader {
	return &simLedger{n: n}
}

// Anchor returns the anchor-chain reader. It also implements
// SettlementLocator.
func (n *SimulatedNetwork) Anchor() LedgerReader {
	return &simLedger{n: n, anchor: true}
}

type simLedger struct {
	n      *SimulatedNetwork
	anchor bool
}

func (l *simLedger) HeadHeight(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.n.mu.Lock()
	defer l.n.mu.Unlock()
	if l.anchor {
		return l.n.anchorHeight, nil
	}
	return l.n.execHeight, nil
}

func (l *simLedger) ConfirmationDepth(ctx context.Context, ref string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.n.mu.Lock()
	defer l.n.mu.Unlock()

	txs, head := l.n.execTxs, l.n.execHeight
	if l.anchor {
		txs, head = l.n.anchorTxs, l.n.anchorHeight
	}

	tx, ok := txs[ref]
	switch {
	case !ok:
		return 0, fmt.Errorf("%w: %s", ErrTxNotFound, ref)
	case tx.dropped:
		return 0, fmt.Errorf("%w: %s", ErrTxDropped, ref)
	case tx.includedAt == 0:
		return 0, nil
	case tx.reverted:
		return 0, fmt.Errorf("%w: %s", ErrTxReverted, ref)
	}
	return depthAt(head, tx.includedAt), nil
}

// SettlementRef implements SettlementLocator. The settlement becomes visible
// once its anchor transaction is included.
func (l *simLedger) SettlementRef(ctx context.Context, execTxRef string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !l.anchor {
		return "", fmt.Errorf("%w: execution layer has no settlements", ErrTxNotFound)
	}
	l.n.mu.Lock()
	defer l.n.mu.Unlock()

	ref, ok := l.n.settlements[execTxRef]
	if !ok || l.n.anchorTxs[ref].includedAt == 0 {
		return "", fmt.Errorf("%w: no settlement for %s", ErrTxNotFound, execTxRef)
	}
	return ref, nil
}
