// Package chain wraps the JSON-RPC surface the settlement driver needs:
// contract reads, balance reads, raw transaction submission, and receipt
// polling. The Backend interface is satisfied by ethclient.Client and by
// the fake used in tests.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultPollInterval paces receipt polling in WaitForReceipt.
const DefaultPollInterval = 2 * time.Second

// ErrReceiptTimeout is returned when a transaction does not confirm within
// the wait window. The transaction may still land later.
var ErrReceiptTimeout = errors.New("chain: receipt wait timed out")

// Backend is the node RPC surface used by Client. ethclient.Client
// implements it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client is a thin, poll-aware wrapper over a Backend.
type Client struct {
	backend Backend
	poll    time.Duration
	logger  *slog.Logger
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return NewClient(ec, logger), nil
}

// NewClient wraps an existing backend. A nil logger selects slog.Default.
func NewClient(backend Backend, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{backend: backend, poll: DefaultPollInterval, logger: logger}
}

// Call executes a read-only contract call against the latest block.
func (c *Client) Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", contract.Hex(), err)
	}
	return out, nil
}

// Balance returns the account's wei balance at the latest block.
func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balance %s: %w", account.Hex(), err)
	}
	return bal, nil
}

// PendingNonce returns the next nonce for the account including pending
// transactions.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("chain: pending nonce %s: %w", account.Hex(), err)
	}
	return nonce, nil
}

// GasPrice returns the node's suggested gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	return price, nil
}

// EstimateGas estimates the gas needed for a contract call sent from the
// given account.
func (c *Client) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return 0, fmt.Errorf("chain: estimate gas for %s: %w", to.Hex(), err)
	}
	return gas, nil
}

// SendTransaction submits a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("chain: send transaction %s: %w", tx.Hash().Hex(), err)
	}
	return nil
}

// TransactionReceipt fetches the receipt for a mined transaction.
// ethereum.NotFound passes through for callers that poll.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.backend.TransactionReceipt(ctx, txHash)
}

// WaitForReceipt polls until the transaction is mined or the window closes.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, txHash)
		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			// Not mined yet, keep polling.
		default:
			return nil, fmt.Errorf("chain: receipt %s: %w", txHash.Hex(), err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("transaction unconfirmed within wait window", "tx_hash", txHash.Hex(), "timeout", timeout)
			return nil, fmt.Errorf("%w: %s after %s", ErrReceiptTimeout, txHash.Hex(), timeout)
		case <-ticker.C:
		}
	}
}
