// Package chain verifies inbound payments against a BNB-chain RPC node.
// The engine runs without it: when no RPC URL is configured, declared
// payments are trusted and the service degrades the same way it would
// without its database.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/bitgpt/cascade-engine/internal/engine"
)

// Config tunes the verifier. Zero values fall back to defaults.
type Config struct {
	// RPCURL is the BNB-chain JSON-RPC endpoint.
	RPCURL string
	// MinConfirmations a transaction needs before it is accepted.
	MinConfirmations uint64
	// Timeout bounds each RPC round trip.
	Timeout time.Duration
}

const (
	defaultMinConfirmations = 3
	defaultTimeout          = 10 * time.Second
)

// weiPerBNB converts the catalog's BNB amounts to the chain's wei values.
var weiPerBNB = decimal.New(1, 18)

// Client wraps an ethclient connection. Implements engine.PaymentVerifier.
type Client struct {
	eth *ethclient.Client
	cfg Config
	log zerolog.Logger
}

// Connect dials the RPC endpoint and verifies it answers.
func Connect(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = defaultMinConfirmations
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	head, err := eth.BlockNumber(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: head query: %w", err)
	}
	log = log.With().Str("component", "chain").Logger()
	log.Info().Uint64("head", head).Str("rpc", cfg.RPCURL).Msg("connected to BNB chain")
	return &Client{eth: eth, cfg: cfg, log: log}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// VerifyPayment checks that the declared tx hash is a confirmed,
// successful transaction covering the activation amount. Native BNB
// amounts are checked against the transaction value; token settlements
// (USDT, USD stable) are checked for confirmed success only, since their
// value lives in transfer logs the payment processor already decoded.
func (c *Client) VerifyPayment(ctx context.Context, txHash string, amount decimal.Decimal, currency string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%w: tx %s not found on chain", engine.ErrTransient, txHash)
	}
	if err != nil {
		return fmt.Errorf("%w: receipt query for %s: %v", engine.ErrTransient, txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: tx %s reverted", engine.ErrValidation, txHash)
	}

	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("%w: head query: %v", engine.ErrTransient, err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < c.cfg.MinConfirmations {
		return fmt.Errorf("%w: tx %s has %d of %d confirmations",
			engine.ErrTransient, txHash, head-mined+1, c.cfg.MinConfirmations)
	}

	if currency == "BNB" {
		tx, _, err := c.eth.TransactionByHash(ctx, hash)
		if err != nil {
			return fmt.Errorf("%w: tx query for %s: %v", engine.ErrTransient, txHash, err)
		}
		need := amount.Mul(weiPerBNB).BigInt()
		if tx.Value().Cmp(need) < 0 {
			return fmt.Errorf("%w: tx %s pays %s wei, need %s",
				engine.ErrValidation, txHash, tx.Value(), need)
		}
	}

	c.log.Debug().
		Str("tx", txHash).
		Str("amount", amount.String()).
		Str("currency", currency).
		Uint64("confirmations", head-mined+1).
		Msg("payment verified")
	return nil
}

var _ engine.PaymentVerifier = (*Client)(nil)

// Head returns the current chain height, used by the health endpoint.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: head query: %w", err)
	}
	return n, nil
}
