package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"pulsepool/core/token"
	"pulsepool/fault"
	"pulsepool/observability"
)

const (
	defaultGasLimit    = 21_000
	defaultCallTimeout = 15 * time.Second
)

// rpcClient is the subset of the Ethereum RPC used by the gateway.
type rpcClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	Close()
}

var _ rpcClient = (*ethclient.Client)(nil)

type dialFunc func(ctx context.Context, endpoint string) (rpcClient, error)

func dialEndpoint(ctx context.Context, endpoint string) (rpcClient, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// EVMConfig wires an EVM gateway.
type EVMConfig struct {
	// Endpoints are tried in order; the first success wins.
	Endpoints []string
	// PrivateKeyHex is the operator key funding the payouts.
	PrivateKeyHex string
	GasLimit      uint64
	CallTimeout   time.Duration
	Metrics       *observability.ChainMetrics
}

// EVM submits native-value transfers through an ordered list of JSON-RPC
// endpoints.
type EVM struct {
	endpoints []string
	key       *ecdsa.PrivateKey
	from      common.Address
	gasLimit  uint64
	timeout   time.Duration
	metrics   *observability.ChainMetrics
	dial      dialFunc
}

// NewEVM constructs a gateway from the operator configuration.
func NewEVM(cfg EVMConfig) (*EVM, error) {
	endpoints := make([]string, 0, len(cfg.Endpoints))
	for _, endpoint := range cfg.Endpoints {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			endpoints = append(endpoints, trimmed)
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("chain: at least one rpc endpoint required")
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: parse operator key: %w", err)
	}
	gw := &EVM{
		endpoints: endpoints,
		key:       key,
		from:      gethcrypto.PubkeyToAddress(key.PublicKey),
		gasLimit:  cfg.GasLimit,
		timeout:   cfg.CallTimeout,
		metrics:   cfg.Metrics,
		dial:      dialEndpoint,
	}
	if gw.gasLimit == 0 {
		gw.gasLimit = defaultGasLimit
	}
	if gw.timeout <= 0 {
		gw.timeout = defaultCallTimeout
	}
	return gw, nil
}

// From returns the operator address payouts are sent from.
func (g *EVM) From() string {
	return g.from.Hex()
}

// Submit tries each endpoint in order and returns the first transaction id.
// When every endpoint fails the returned error carries the last endpoint's
// failure text untouched.
func (g *EVM) Submit(ctx context.Context, toAddress string, amount token.Amount) (string, error) {
	if !ValidAddress(toAddress) {
		return "", fmt.Errorf("%w: destination %q is not a 0x-prefixed 40-hex address", fault.ErrInvalidInput, toAddress)
	}
	if amount.IsZero() {
		return "", fmt.Errorf("%w: amount must be positive", fault.ErrInvalidInput)
	}
	to := common.HexToAddress(toAddress)
	value := amount.BaseUnits()

	var lastErr error
	for _, endpoint := range g.endpoints {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		txID, err := g.submitVia(ctx, endpoint, to, value)
		if err == nil {
			g.metrics.ObserveSubmit(endpoint, "success")
			return txID, nil
		}
		g.metrics.ObserveSubmit(endpoint, "error")
		lastErr = err
	}
	return "", fmt.Errorf("%w: %s", fault.ErrChainFailure, lastErr.Error())
}

func (g *EVM) submitVia(ctx context.Context, endpoint string, to common.Address, value *big.Int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	client, err := g.dial(ctx, endpoint)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("chain id via %s: %w", endpoint, err)
	}
	nonce, err := client.PendingNonceAt(ctx, g.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce via %s: %w", endpoint, err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price via %s: %w", endpoint, err)
	}
	tx := gethtypes.NewTransaction(nonce, to, value, g.gasLimit, gasPrice, nil)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), g.key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send via %s: %w", endpoint, err)
	}
	return signed.Hash().Hex(), nil
}
