// Package chain wraps a per-network Ethereum JSON-RPC client with the rate
// limiting and connection bookkeeping the sync components need. It is
// adapted from the teacher's internal/chain/on_chain_client.go, generalized
// from a single hardcoded chain to an arbitrary network declaration and
// extended with a token-bucket limiter and concurrent in-flight cap per
// spec.md §5.
package chain

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config describes how to construct a Client for one network.
type Config struct {
	Name                string
	ChainID             int64
	HTTPURL             string
	WSURL               string
	MaxRequestsPerSecond float64
	MaxConcurrentRequests int
}

// Client wraps go-ethereum's ethclient with a per-chain rate limiter and a
// semaphore bounding concurrent in-flight requests, so one slow RPC
// provider can't head-of-line block every other in-flight call
// (spec.md §5).
type Client struct {
	name      string
	rpc       *ethclient.Client
	ws        *ethclient.Client
	watchdog  *wsWatchdog
	chainID   *big.Int
	logger    zerolog.Logger
	limiter   *rate.Limiter
	inflight  chan struct{}
}

// Dial connects to the HTTP (and optionally WS) endpoints and verifies the
// reported chain ID matches cfg.ChainID, exactly as the teacher's
// NewClient does.
func Dial(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	rpcClient, err := ethclient.DialContext(ctx, cfg.HTTPURL)
	if err != nil {
		return nil, fmt.Errorf("chain %s: dial rpc: %w", cfg.Name, err)
	}

	var wsClient *ethclient.Client
	if cfg.WSURL != "" {
		wsClient, err = ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			logger.Warn().Err(err).Str("ws_url", cfg.WSURL).Msg("failed to connect websocket endpoint, realtime sync will poll only")
		}
	}

	actual, err := rpcClient.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		if wsClient != nil {
			wsClient.Close()
		}
		return nil, fmt.Errorf("chain %s: get chain id: %w", cfg.Name, err)
	}

	expected := big.NewInt(cfg.ChainID)
	if actual.Cmp(expected) != 0 {
		rpcClient.Close()
		if wsClient != nil {
			wsClient.Close()
		}
		return nil, fmt.Errorf("chain %s: chain id mismatch: configured %d, rpc reports %d", cfg.Name, cfg.ChainID, actual)
	}

	maxConcurrent := cfg.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 25
	}
	rps := cfg.MaxRequestsPerSecond
	if rps <= 0 {
		rps = 50
	}

	logger.Info().
		Str("network", cfg.Name).
		Int64("chain_id", cfg.ChainID).
		Bool("has_websocket", wsClient != nil).
		Float64("max_rps", rps).
		Msg("chain client initialized")

	c := &Client{
		name:     cfg.Name,
		rpc:      rpcClient,
		ws:       wsClient,
		chainID:  expected,
		logger:   logger.With().Str("component", "chain").Str("network", cfg.Name).Logger(),
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		inflight: make(chan struct{}, maxConcurrent),
	}
	if wsClient != nil {
		c.watchdog = startWSWatchdog(cfg.WSURL, c.logger)
	}
	return c, nil
}

func (c *Client) acquire(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	select {
	case c.inflight <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.inflight }

// Name returns the network name this client was dialed for.
func (c *Client) Name() string { return c.name }

// ChainID returns the verified chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// LatestBlockNumber returns the chain tip.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if err := c.acquire(ctx); err != nil {
		return 0, err
	}
	defer c.release()

	n, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain %s: block number: %w", c.name, err)
	}
	return n, nil
}

// BlockByNumber fetches a full block (with transactions) by number.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	block, err := c.rpc.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("chain %s: block by number %d: %w", c.name, number, err)
	}
	return block, nil
}

// HeaderByNumber fetches just the header — cheaper than BlockByNumber when
// transactions aren't needed.
func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	header, err := c.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("chain %s: header by number %d: %w", c.name, number, err)
	}
	return header, nil
}

// HeaderByHash fetches a header by hash — used by realtime sync's reorg
// walk-back (spec.md §4.C step 2).
func (c *Client) HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	header, err := c.rpc.HeaderByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("chain %s: header by hash %s: %w", c.name, hash.Hex(), err)
	}
	return header, nil
}

// TransactionReceipt fetches a single receipt.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	receipt, err := c.rpc.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("chain %s: receipt for %s: %w", c.name, txHash.Hex(), err)
	}
	return receipt, nil
}

// FilterLogs queries for logs matching query, rate-limited like every
// other RPC call this client makes.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	logs, err := c.rpc.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chain %s: filter logs: %w", c.name, err)
	}
	return logs, nil
}

// SubscribeNewHead opens a websocket head subscription, used by realtime
// sync as a push-based alternative to polling when a network declares a ws
// transport. Returns an error if no websocket client was configured.
func (c *Client) SubscribeNewHead(ctx context.Context) (chan *types.Header, ethereum.Subscription, error) {
	if c.ws == nil {
		return nil, nil, fmt.Errorf("chain %s: no websocket transport configured", c.name)
	}

	headers := make(chan *types.Header)
	sub, err := c.ws.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, nil, fmt.Errorf("chain %s: subscribe new head: %w", c.name, err)
	}
	return headers, sub, nil
}

// HasWebsocket reports whether a websocket transport is configured at all.
func (c *Client) HasWebsocket() bool { return c.ws != nil }

// HasLiveWebsocket reports whether a websocket transport is configured and
// its most recent independent liveness ping succeeded. Realtime sync
// checks this each poll tick to decide whether to trust a push
// subscription or fall back to HTTP polling.
func (c *Client) HasLiveWebsocket() bool { return c.ws != nil && c.watchdog.Alive() }

// Close releases the underlying connections.
func (c *Client) Close() {
	c.rpc.Close()
	if c.ws != nil {
		c.ws.Close()
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.logger.Info().Msg("chain client closed")
}
