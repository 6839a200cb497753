package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"math/big"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ashureev/gene-analysis/internal/config"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testContract   = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testResearcher = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
)

var testChainID = big.NewInt(84532)

type fakeBackend struct {
	mu sync.Mutex

	estimate    uint64
	estimateErr error
	notFound    int // receipt lookups answered with NotFound before the receipt appears
	neverMined  bool
	status      uint64
	researchID  int64
	emitEvent   bool
	callResults map[string][]byte
	blockErr    error

	sent    []*types.Transaction
	lookups int
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return testChainID, nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	if f.blockErr != nil {
		return 0, f.blockErr
	}
	return 1234, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.neverMined || f.lookups <= f.notFound {
		return nil, ethereum.NotFound
	}

	receipt := &types.Receipt{
		Status:      f.status,
		TxHash:      hash,
		GasUsed:     21000,
		BlockNumber: big.NewInt(99),
	}
	if f.emitEvent {
		parsed, _ := LoadABI("")
		receipt.Logs = []*types.Log{
			// unrelated contract first
			{Address: common.HexToAddress("0x01"), Topics: []common.Hash{parsed.Events[eventResearchStored].ID, {}, common.BigToHash(big.NewInt(555))}},
			{
				Address: common.HexToAddress(testContract),
				Topics: []common.Hash{
					parsed.Events[eventResearchStored].ID,
					common.BytesToHash(common.HexToAddress(testResearcher).Bytes()),
					common.BigToHash(big.NewInt(f.researchID)),
				},
			},
		}
	}
	return receipt, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	out, ok := f.callResults[hex.EncodeToString(msg.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func newTestRegistry(t *testing.T, backend Backend, mutate func(*config.ChainConfig)) (*Registry, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := config.ChainConfig{
		ContractAddress:     testContract,
		PrivateKey:          "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
		DefaultGasLimit:     1_000_000,
		ReceiptTimeout:      time.Second,
		ReceiptPollInterval: 5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(backend, cfg, nil)
	require.NoError(t, err)
	return r, key
}

func decodeStoreInput(t *testing.T, r *Registry, tx *types.Transaction) []any {
	t.Helper()
	args, err := r.abi.Methods[methodStoreResearch].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	return args
}

func TestStoreResearchSuccess(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{estimate: 100_000, status: types.ReceiptStatusSuccessful, emitEvent: true, researchID: 7, notFound: 2}
	r, key := newTestRegistry(t, backend, nil)

	res, err := r.StoreResearch(context.Background(), testResearcher, "BRCA1 is involved in DNA repair.", "sess-1")
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, uint64(150_000), tx.Gas())
	assert.Equal(t, tx.Hash().Hex(), res.TransactionHash)
	assert.Equal(t, uint64(7), res.ResearchID)
	assert.Equal(t, uint64(21000), res.GasUsed)
	assert.Equal(t, uint64(99), res.BlockNumber)

	sender, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sender)
	assert.Equal(t, common.HexToAddress(testContract), *tx.To())

	args := decodeStoreInput(t, r, tx)
	assert.Equal(t, common.HexToAddress(testResearcher), args[0])
	assert.Equal(t, "BRCA1 is involved in DNA repair.", args[1])
	assert.Equal(t, "sess-1", args[2])
}

func TestStoreResearchGasEstimateFallback(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{estimateErr: errors.New("execution reverted"), status: types.ReceiptStatusSuccessful}
	r, _ := newTestRegistry(t, backend, func(c *config.ChainConfig) { c.DefaultGasLimit = 800_000 })

	res, err := r.StoreResearch(context.Background(), testResearcher, "some result text", "s")
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, uint64(800_000), backend.sent[0].Gas())
	assert.Zero(t, res.ResearchID, "no event means id 0")
}

func TestStoreResearchGasMarginRoundsDown(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{estimate: 33_333, status: types.ReceiptStatusSuccessful}
	r, _ := newTestRegistry(t, backend, nil)

	_, err := r.StoreResearch(context.Background(), testResearcher, "some result text", "s")
	require.NoError(t, err)
	assert.Equal(t, uint64(49_999), backend.sent[0].Gas())
}

func TestStoreResearchTruncatesResult(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{estimate: 50_000, status: types.ReceiptStatusSuccessful}
	r, _ := newTestRegistry(t, backend, nil)

	long := strings.Repeat("유전자", 300)
	_, err := r.StoreResearch(context.Background(), testResearcher, long, "s")
	require.NoError(t, err)

	stored := decodeStoreInput(t, r, backend.sent[0])[1].(string)
	assert.Equal(t, MaxResultLength, utf8.RuneCountInString(stored))
	assert.True(t, strings.HasPrefix(long, stored))
}

func TestStoreResearchNotConfigured(t *testing.T) {
	t.Parallel()

	noContract, _ := newTestRegistry(t, &fakeBackend{}, func(c *config.ChainConfig) { c.ContractAddress = "" })
	_, err := noContract.StoreResearch(context.Background(), testResearcher, "result text", "s")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = noContract.GetResearch(context.Background(), testResearcher, 0)
	assert.ErrorIs(t, err, ErrNotConfigured)

	noKey, _ := newTestRegistry(t, &fakeBackend{}, func(c *config.ChainConfig) { c.PrivateKey = "" })
	assert.False(t, noKey.CanStore())
	_, err = noKey.StoreResearch(context.Background(), testResearcher, "result text", "s")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestStoreResearchInvalidAddress(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	r, _ := newTestRegistry(t, backend, nil)
	_, err := r.StoreResearch(context.Background(), "not-an-address", "result text", "s")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Empty(t, backend.sent)
}

func TestStoreResearchReverted(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{estimate: 50_000, status: types.ReceiptStatusFailed}
	r, _ := newTestRegistry(t, backend, nil)
	_, err := r.StoreResearch(context.Background(), testResearcher, "result text", "s")
	assert.ErrorIs(t, err, ErrTransactionReverted)
}

func TestStoreResearchReceiptTimeout(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{estimate: 50_000, neverMined: true}
	r, _ := newTestRegistry(t, backend, func(c *config.ChainConfig) { c.ReceiptTimeout = 50 * time.Millisecond })
	_, err := r.StoreResearch(context.Background(), testResearcher, "result text", "s")
	assert.ErrorIs(t, err, ErrReceiptTimeout)
}

func TestStoreResearchCallerCancel(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{estimate: 50_000, neverMined: true}
	r, _ := newTestRegistry(t, backend, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.StoreResearch(ctx, testResearcher, "result text", "s")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrReceiptTimeout)
}

func TestGetResearchAndCount(t *testing.T) {
	t.Parallel()

	parsed, err := LoadABI("")
	require.NoError(t, err)

	tuple := struct {
		Researcher common.Address
		ResultData string
		Timestamp  *big.Int
		SessionId  string
	}{
		Researcher: common.HexToAddress(testResearcher),
		ResultData: "stored result",
		Timestamp:  big.NewInt(1_700_000_000),
		SessionId:  "sess-9",
	}
	researchOut, err := parsed.Methods[methodGetResearch].Outputs.Pack(tuple)
	require.NoError(t, err)
	countOut, err := parsed.Methods[methodGetResearchCount].Outputs.Pack(big.NewInt(3))
	require.NoError(t, err)

	backend := &fakeBackend{callResults: map[string][]byte{
		hex.EncodeToString(parsed.Methods[methodGetResearch].ID):      researchOut,
		hex.EncodeToString(parsed.Methods[methodGetResearchCount].ID): countOut,
	}}
	r, _ := newTestRegistry(t, backend, func(c *config.ChainConfig) { c.PrivateKey = "" })

	rec, err := r.GetResearch(context.Background(), testResearcher, 0)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testResearcher).Hex(), rec.Researcher)
	assert.Equal(t, "stored result", rec.ResultData)
	assert.Equal(t, "sess-9", rec.SessionID)
	assert.Equal(t, int64(1_700_000_000), rec.Timestamp.Unix())

	count, err := r.GetResearchCount(context.Background(), testResearcher)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}

func TestIsConnected(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, &fakeBackend{}, nil)
	assert.True(t, r.IsConnected(context.Background()))

	down, _ := newTestRegistry(t, &fakeBackend{blockErr: errors.New("dial tcp: refused")}, nil)
	assert.False(t, down.IsConnected(context.Background()))

	var nilRegistry *Registry
	assert.False(t, nilRegistry.IsConnected(context.Background()))
}

func TestParseAddressChecksums(t *testing.T) {
	t.Parallel()

	addr, err := ParseAddress("  " + testResearcher + " ")
	require.NoError(t, err)
	assert.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", addr.Hex())

	_, err = ParseAddress("0x1234")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "생각", Truncate("생각계획", 2))
}

func TestLoadABIFromFile(t *testing.T) {
	t.Parallel()

	_, err := LoadABI(t.TempDir() + "/missing.json")
	require.NoError(t, err, "missing file falls back to built-in abi")

	path := t.TempDir() + "/abi.json"
	require.NoError(t, writeFile(path, `[{"type":"function","name":"other","inputs":[],"outputs":[]}]`))
	_, err = LoadABI(path)
	assert.Error(t, err)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
