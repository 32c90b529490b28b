// Package chain is the ledger-contract boundary: read and write access to
// the vault factory, per-escrow vault contracts, and the stable token.
//
// Everything here is a thin, typed wrapper over JSON-RPC. The chain is the
// source of truth for fund custody; callers treat reads as authoritative
// and repeatable.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrRPCConnection = errors.New("chain: RPC connection failed")
	ErrTxReverted    = errors.New("chain: transaction reverted")
	ErrTimeout       = errors.New("chain: confirmation wait timed out")
	ErrNoReceipt     = errors.New("chain: receipt not found")
)

// CallError wraps chain call failures with context.
type CallError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// Minimal ERC-20 ABI: balanceOf plus the Transfer event used for
// distribution reconciliation.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// Vault factory ABI. predictVault mirrors the factory's own CREATE2
// address formula; calling it is a read, never a deployment.
const factoryABI = `[
	{"constant":true,"inputs":[{"name":"salt","type":"bytes32"},{"name":"payer","type":"address"},{"name":"recipient","type":"address"}],"name":"predictVault","outputs":[{"name":"vault","type":"address"},{"name":"feeSplitter","type":"address"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"salt","type":"bytes32"},{"name":"payer","type":"address"},{"name":"recipient","type":"address"}],"name":"deployVault","outputs":[{"name":"vault","type":"address"}],"type":"function"}
]`

// Per-escrow vault ABI.
const vaultABI = `[
	{"constant":true,"inputs":[],"name":"client","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"freelancer","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"DOMAIN_SEPARATOR","outputs":[{"name":"","type":"bytes32"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"released","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"refunded","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"arbitrationFee","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"signature","type":"bytes"}],"name":"releaseWithSignature","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"signature","type":"bytes"}],"name":"refundWithSignature","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"amount","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"signature","type":"bytes"}],"name":"settlementRelease","outputs":[],"type":"function"},
	{"constant":false,"inputs":[],"name":"release","outputs":[],"type":"function"},
	{"constant":false,"inputs":[],"name":"requestCancel","outputs":[],"type":"function"},
	{"constant":false,"inputs":[],"name":"requestArbitration","outputs":[],"type":"function"},
	{"constant":false,"inputs":[],"name":"payArbitrationFee","outputs":[],"type":"function"},
	{"constant":false,"inputs":[],"name":"claimArbitrationTimeout","outputs":[],"type":"function"}
]`

const (
	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 45 * time.Second
)

// Config for creating a new chain client.
type Config struct {
	RPCURL        string
	ChainID       int64
	TokenContract string
	VaultFactory  string
}

// Option configures the client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// Client wraps chain access for the escrow engine.
type Client struct {
	client  EthClient
	chainID *big.Int
	token   common.Address
	factory common.Address

	tokenABI   abi.ABI
	factoryABI abi.ABI
	vaultABI   abi.ABI
}

// New creates a new chain client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}
	if cfg.TokenContract == "" || cfg.VaultFactory == "" {
		return nil, fmt.Errorf("token and factory contract addresses required")
	}

	tokABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	facABI, err := abi.JSON(strings.NewReader(factoryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse factory ABI: %w", err)
	}
	vltABI, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vault ABI: %w", err)
	}

	c := &Client{
		chainID:    big.NewInt(cfg.ChainID),
		token:      common.HexToAddress(cfg.TokenContract),
		factory:    common.HexToAddress(cfg.VaultFactory),
		tokenABI:   tokABI,
		factoryABI: facABI,
		vaultABI:   vltABI,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// TokenAddress returns the stable token contract address.
func (c *Client) TokenAddress() common.Address { return c.token }

// FactoryAddress returns the vault factory contract address.
func (c *Client) FactoryAddress() common.Address { return c.factory }

// Raw returns the underlying eth client for callers that need direct access
// (the operator signer shares the connection).
func (c *Client) Raw() EthClient { return c.client }

// Close closes the client connection.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// CodeExists reports whether contract code is present at addr.
func (c *Client) CodeExists(ctx context.Context, addr common.Address) (bool, error) {
	code, err := c.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, &CallError{Op: "code_at", Err: err}
	}
	return len(code) > 0, nil
}

// TokenBalance returns the stable-token balance of addr.
func (c *Client) TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := c.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, &CallError{Op: "pack_balance_of", Err: err}
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, &CallError{Op: "balance_of", Err: err}
	}
	return new(big.Int).SetBytes(result), nil
}

// PredictVault asks the factory for the vault and fee-splitter addresses a
// deployment with these inputs would produce. Byte-identical for identical
// inputs; no state is touched.
func (c *Client) PredictVault(ctx context.Context, salt [32]byte, payer, recipient common.Address) (vault, feeSplitter common.Address, err error) {
	data, err := c.factoryABI.Pack("predictVault", salt, payer, recipient)
	if err != nil {
		return common.Address{}, common.Address{}, &CallError{Op: "pack_predict", Err: err}
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.factory, Data: data}, nil)
	if err != nil {
		return common.Address{}, common.Address{}, &CallError{Op: "predict_vault", Err: err}
	}
	out, err := c.factoryABI.Unpack("predictVault", result)
	if err != nil || len(out) != 2 {
		return common.Address{}, common.Address{}, &CallError{Op: "unpack_predict", Err: err}
	}
	vault, _ = out[0].(common.Address)
	feeSplitter, _ = out[1].(common.Address)
	return vault, feeSplitter, nil
}

// DomainSeparator reads the vault's EIP-712 domain separator. Always read
// live, never cached: it changes if the contract is upgraded.
func (c *Client) DomainSeparator(ctx context.Context, vault common.Address) ([32]byte, error) {
	var sep [32]byte
	data, err := c.vaultABI.Pack("DOMAIN_SEPARATOR")
	if err != nil {
		return sep, &CallError{Op: "pack_domain_separator", Err: err}
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &vault, Data: data}, nil)
	if err != nil {
		return sep, &CallError{Op: "domain_separator", Err: err}
	}
	if len(result) < 32 {
		return sep, &CallError{Op: "domain_separator", Err: fmt.Errorf("short response (%d bytes)", len(result))}
	}
	copy(sep[:], result[:32])
	return sep, nil
}

// VaultParties returns the vault's on-chain payer (client) and recipient
// (freelancer) addresses.
func (c *Client) VaultParties(ctx context.Context, vault common.Address) (payer, recipient common.Address, err error) {
	payer, err = c.vaultAddressView(ctx, vault, "client")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	recipient, err = c.vaultAddressView(ctx, vault, "freelancer")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return payer, recipient, nil
}

func (c *Client) vaultAddressView(ctx context.Context, vault common.Address, method string) (common.Address, error) {
	data, err := c.vaultABI.Pack(method)
	if err != nil {
		return common.Address{}, &CallError{Op: "pack_" + method, Err: err}
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &vault, Data: data}, nil)
	if err != nil {
		return common.Address{}, &CallError{Op: method, Err: err}
	}
	out, err := c.vaultABI.Unpack(method, result)
	if err != nil || len(out) != 1 {
		return common.Address{}, &CallError{Op: "unpack_" + method, Err: err}
	}
	addr, _ := out[0].(common.Address)
	return addr, nil
}

// VaultFlags reads the vault's released/refunded flags.
func (c *Client) VaultFlags(ctx context.Context, vault common.Address) (released, refunded bool, err error) {
	released, err = c.vaultBoolView(ctx, vault, "released")
	if err != nil {
		return false, false, err
	}
	refunded, err = c.vaultBoolView(ctx, vault, "refunded")
	if err != nil {
		return false, false, err
	}
	return released, refunded, nil
}

func (c *Client) vaultBoolView(ctx context.Context, vault common.Address, method string) (bool, error) {
	data, err := c.vaultABI.Pack(method)
	if err != nil {
		return false, &CallError{Op: "pack_" + method, Err: err}
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &vault, Data: data}, nil)
	if err != nil {
		return false, &CallError{Op: method, Err: err}
	}
	out, err := c.vaultABI.Unpack(method, result)
	if err != nil || len(out) != 1 {
		return false, &CallError{Op: "unpack_" + method, Err: err}
	}
	b, _ := out[0].(bool)
	return b, nil
}

// ArbitrationFee reads the vault's arbitration fee.
func (c *Client) ArbitrationFee(ctx context.Context, vault common.Address) (*big.Int, error) {
	data, err := c.vaultABI.Pack("arbitrationFee")
	if err != nil {
		return nil, &CallError{Op: "pack_arbitration_fee", Err: err}
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &vault, Data: data}, nil)
	if err != nil {
		return nil, &CallError{Op: "arbitration_fee", Err: err}
	}
	return new(big.Int).SetBytes(result), nil
}

// Receipt fetches a transaction receipt. Returns ErrNoReceipt if the
// transaction is not yet mined.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoReceipt, txHash.Hex())
	}
	return receipt, nil
}

// WaitForConfirmation polls for a receipt until the transaction is mined or
// the timeout elapses. A reverted transaction returns ErrTxReverted; a
// timeout returns ErrTimeout. The two are distinct because a timed-out
// transaction may still confirm, so callers must poll, not assume failure.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: tx %s", ErrTimeout, txHash.Hex())
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				// Not yet mined, keep waiting.
				continue
			}
			if receipt.Status == 0 {
				return receipt, &CallError{Op: "confirm", TxHash: txHash.Hex(), Err: ErrTxReverted}
			}
			return receipt, nil
		}
	}
}

// -----------------------------------------------------------------------------
// Calldata builders (sent via the operator signer)
// -----------------------------------------------------------------------------

// DeployCalldata builds the factory deployVault call. The salt, payer, and
// recipient must be exactly the prediction inputs or the deployed address
// will not match.
func (c *Client) DeployCalldata(salt [32]byte, payer, recipient common.Address) ([]byte, error) {
	return c.factoryABI.Pack("deployVault", salt, payer, recipient)
}

// ReleaseCalldata builds releaseWithSignature calldata.
func (c *Client) ReleaseCalldata(nonce, deadline *big.Int, signature []byte) ([]byte, error) {
	return c.vaultABI.Pack("releaseWithSignature", nonce, deadline, signature)
}

// RefundCalldata builds refundWithSignature calldata.
func (c *Client) RefundCalldata(nonce, deadline *big.Int, signature []byte) ([]byte, error) {
	return c.vaultABI.Pack("refundWithSignature", nonce, deadline, signature)
}

// SettlementCalldata builds settlementRelease calldata for a partial split.
func (c *Client) SettlementCalldata(amount, nonce, deadline *big.Int, signature []byte) ([]byte, error) {
	return c.vaultABI.Pack("settlementRelease", amount, nonce, deadline, signature)
}

// MutualReleaseCalldata builds the operator-driven release call used when
// both parties have approved through the API rather than by signature.
func (c *Client) MutualReleaseCalldata() ([]byte, error) {
	return c.vaultABI.Pack("release")
}

// CancelCalldata builds the requestCancel call that returns funds to the payer.
func (c *Client) CancelCalldata() ([]byte, error) {
	return c.vaultABI.Pack("requestCancel")
}

// ArbitrationRequestCalldata builds the dispute-opening call.
func (c *Client) ArbitrationRequestCalldata() ([]byte, error) {
	return c.vaultABI.Pack("requestArbitration")
}

// ArbitrationPayCalldata builds the counter-payment call.
func (c *Client) ArbitrationPayCalldata() ([]byte, error) {
	return c.vaultABI.Pack("payArbitrationFee")
}

// ArbitrationTimeoutCalldata builds the timeout-claim call.
func (c *Client) ArbitrationTimeoutCalldata() ([]byte, error) {
	return c.vaultABI.Pack("claimArbitrationTimeout")
}
