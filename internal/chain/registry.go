// Package chain stores research results in the on-chain ResearchRegistry
// contract and reads them back.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/gene-analysis/internal/config"
	"github.com/ashureev/gene-analysis/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// MaxResultLength caps the stored result text, in characters, to bound gas cost.
const MaxResultLength = 500

const connectProbeTimeout = 3 * time.Second

var (
	// ErrNotConfigured is returned when the contract address or signing key is missing.
	ErrNotConfigured = errors.New("blockchain service not properly configured")

	// ErrInvalidAddress is returned for malformed researcher addresses.
	ErrInvalidAddress = errors.New("invalid researcher address")

	// ErrReceiptTimeout is returned when no receipt shows up within the receipt timeout.
	ErrReceiptTimeout = errors.New("timed out waiting for transaction receipt")

	// ErrTransactionReverted is returned for mined transactions with a failed status.
	ErrTransactionReverted = errors.New("transaction reverted")
)

// Backend is the subset of the Ethereum JSON-RPC client the registry needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Registry is a client for the ResearchRegistry contract.
type Registry struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	bound    bool // contract address configured
	key      *ecdsa.PrivateKey
	from     common.Address
	cfg      config.ChainConfig
	logger   *slog.Logger

	// sendMu keeps nonce assignment and broadcast atomic.
	sendMu  sync.Mutex
	chainID *big.Int
}

// Dial connects to the RPC endpoint in cfg and builds a Registry on top of it.
func Dial(ctx context.Context, cfg config.ChainConfig, logger *slog.Logger) (*Registry, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", cfg.RPCURL, err)
	}
	r, err := New(client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return r, nil
}

// New builds a Registry. A missing contract address or signing key is not an
// error: the registry is created in a degraded state and the affected calls
// return ErrNotConfigured.
func New(backend Backend, cfg config.ChainConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = 1_000_000
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}

	r := &Registry{backend: backend, cfg: cfg, logger: logger}
	if cfg.ChainID > 0 {
		r.chainID = big.NewInt(cfg.ChainID)
	}

	if cfg.ContractAddress == "" {
		logger.Warn("RESEARCH_REGISTRY_ADDRESS not set, blockchain features disabled")
		return r, nil
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("contract address %q: %w", cfg.ContractAddress, ErrInvalidAddress)
	}
	r.contract = common.HexToAddress(cfg.ContractAddress)
	r.bound = true

	parsed, err := LoadABI(cfg.ABIPath)
	if err != nil {
		return nil, err
	}
	r.abi = parsed

	if cfg.PrivateKey == "" {
		logger.Warn("SERVER_PRIVATE_KEY not set, cannot send transactions", "contract", r.contract.Hex())
		return r, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse server private key: %w", err)
	}
	r.key = key
	r.from = crypto.PubkeyToAddress(key.PublicKey)

	logger.Info("Blockchain service initialized", "account", r.from.Hex(), "contract", r.contract.Hex())
	return r, nil
}

// CanStore reports whether StoreResearch can send transactions.
func (r *Registry) CanStore() bool {
	return r != nil && r.bound && r.key != nil
}

// Account returns the server account address, or the zero address.
func (r *Registry) Account() common.Address {
	return r.from
}

// IsConnected probes the RPC endpoint. It never fails; any error means false.
func (r *Registry) IsConnected(ctx context.Context) bool {
	if r == nil || r.backend == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, connectProbeTimeout)
	defer cancel()
	_, err := r.backend.BlockNumber(ctx)
	return err == nil
}

// StoreResearch records a research result for researcher and waits for the
// transaction to be mined.
func (r *Registry) StoreResearch(ctx context.Context, researcher, resultText, sessionID string) (*domain.BlockchainResult, error) {
	if !r.CanStore() {
		return nil, ErrNotConfigured
	}
	addr, err := ParseAddress(researcher)
	if err != nil {
		return nil, err
	}

	input, err := r.abi.Pack(methodStoreResearch, addr, Truncate(resultText, MaxResultLength), sessionID)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", methodStoreResearch, err)
	}

	gasLimit := r.gasLimit(ctx, input)

	tx, err := r.send(ctx, input, gasLimit)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Transaction sent", "tx_hash", tx.Hash().Hex(), "session_id", sessionID, "gas_limit", gasLimit)

	receipt, err := r.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrTransactionReverted, receipt.TxHash.Hex())
	}

	result := &domain.BlockchainResult{
		TransactionHash: receipt.TxHash.Hex(),
		ResearchID:      r.researchID(receipt),
		GasUsed:         receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result, nil
}

// GetResearch reads one stored research entry.
func (r *Registry) GetResearch(ctx context.Context, researcher string, id uint64) (*domain.ResearchRecord, error) {
	if r == nil || !r.bound {
		return nil, ErrNotConfigured
	}
	addr, err := ParseAddress(researcher)
	if err != nil {
		return nil, err
	}

	out, err := r.call(ctx, methodGetResearch, addr, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", methodGetResearch, len(out))
	}

	type researchResult struct {
		Researcher common.Address
		ResultData string
		Timestamp  *big.Int
		SessionId  string
	}
	rec := *abi.ConvertType(out[0], new(researchResult)).(*researchResult)

	record := &domain.ResearchRecord{
		Researcher: rec.Researcher.Hex(),
		ResultData: rec.ResultData,
		SessionID:  rec.SessionId,
	}
	if rec.Timestamp != nil {
		record.Timestamp = time.Unix(rec.Timestamp.Int64(), 0).UTC()
	}
	return record, nil
}

// GetResearchCount returns how many entries researcher has stored.
func (r *Registry) GetResearchCount(ctx context.Context, researcher string) (uint64, error) {
	if r == nil || !r.bound {
		return 0, ErrNotConfigured
	}
	addr, err := ParseAddress(researcher)
	if err != nil {
		return 0, err
	}

	out, err := r.call(ctx, methodGetResearchCount, addr)
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("unpack %s: expected 1 value, got %d", methodGetResearchCount, len(out))
	}
	count, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unpack %s: unexpected type %T", methodGetResearchCount, out[0])
	}
	return count.Uint64(), nil
}

// Close releases the RPC client when the registry owns one.
func (r *Registry) Close() {
	if c, ok := r.backend.(interface{ Close() }); ok {
		c.Close()
	}
}

// gasLimit estimates gas with a 1.5x margin. Estimation failures fall back to
// the configured default instead of failing the store.
func (r *Registry) gasLimit(ctx context.Context, input []byte) uint64 {
	estimated, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: r.from,
		To:   &r.contract,
		Data: input,
	})
	if err != nil {
		r.logger.Warn("Gas estimation failed, using default gas limit", "error", err, "gas_limit", r.cfg.DefaultGasLimit)
		return r.cfg.DefaultGasLimit
	}
	limit := estimated + estimated/2
	r.logger.Debug("Estimated gas", "estimated", estimated, "gas_limit", limit)
	return limit
}

func (r *Registry) send(ctx context.Context, input []byte, gasLimit uint64) (*types.Transaction, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	if r.chainID == nil {
		id, err := r.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("get chain id: %w", err)
		}
		r.chainID = id
	}
	nonce, err := r.backend.PendingNonceAt(ctx, r.from)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}
	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &r.contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), r.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed, nil
}

// waitReceipt polls for the receipt until it appears, ctx ends or the
// receipt timeout passes.
func (r *Registry) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx := ctx
	if r.cfg.ReceiptTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.cfg.ReceiptTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(r.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			r.logger.Debug("Receipt lookup failed, retrying", "tx_hash", hash.Hex(), "error", err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

// researchID returns the id from the first ResearchStored log of the
// registry contract, or 0 when there is none.
func (r *Registry) researchID(receipt *types.Receipt) uint64 {
	event := r.abi.Events[eventResearchStored]
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != r.contract || len(lg.Topics) < 3 || lg.Topics[0] != event.ID {
			continue
		}
		return lg.Topics[2].Big().Uint64()
	}
	return 0
}

func (r *Registry) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	data, err := r.backend.CallContract(ctx, ethereum.CallMsg{From: r.from, To: &r.contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := r.abi.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// ParseAddress validates a hex address and returns it. Use Hex() on the
// result for the checksummed form.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// Truncate returns at most n characters of s.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
