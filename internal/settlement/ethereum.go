package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/swapmatch/swapmatch/pkg/errors"
)

const orderProtocolABI = `[
	{"inputs":[
		{"internalType":"bytes32","name":"orderId","type":"bytes32"},
		{"internalType":"uint256","name":"amount","type":"uint256"}],
		"name":"executeOrder","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const erc20ABI = `[
	{"inputs":[{"internalType":"address","name":"owner","type":"address"}],
		"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
		"stateMutability":"view","type":"function"}
]`

// ChainClient is the subset of ethclient.Client used by the submitter.
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config for the ethereum submitter.
type Config struct {
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	GasLimit        uint64
	MaxRetries      int
	RetryDelay      time.Duration
	CallTimeout     time.Duration
}

// EthereumSubmitter executes fills against the on-chain order contract and
// reads ERC-20 balances. Every chain interaction is retried with bounded
// backoff and surfaces as ExternalServiceError once retries are exhausted.
type EthereumSubmitter struct {
	client   ChainClient
	contract common.Address
	orderABI abi.ABI
	tokenABI abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	cfg      Config
	logger   *zap.Logger
}

// NewEthereumSubmitter creates a submitter from the settlement config.
func NewEthereumSubmitter(client ChainClient, cfg Config, logger *zap.Logger) (*EthereumSubmitter, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid settlement private key: %w", err)
	}
	orderParsed, err := abi.JSON(strings.NewReader(orderProtocolABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse order protocol ABI: %w", err)
	}
	tokenParsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 ABI: %w", err)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}

	return &EthereumSubmitter{
		client:   client,
		contract: common.HexToAddress(cfg.ContractAddress),
		orderABI: orderParsed,
		tokenABI: tokenParsed,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(cfg.ChainID),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// SubmitFill signs and sends an executeOrder transaction for the given order
// and amount.
func (e *EthereumSubmitter) SubmitFill(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) (string, error) {
	var txHash string
	err := e.withRetry(ctx, "executeOrder", func(ctx context.Context) error {
		hash, err := e.submitOnce(ctx, orderID, amount)
		if err != nil {
			return err
		}
		txHash = hash
		return nil
	})
	if err != nil {
		return "", apperrors.ExternalService("on-chain order execution failed", err)
	}
	return txHash, nil
}

func (e *EthereumSubmitter) submitOnce(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	data, err := e.orderABI.Pack("executeOrder", common.BytesToHash(orderID[:]), amount.BigInt())
	if err != nil {
		return "", err
	}
	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return "", fmt.Errorf("failed to fetch nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, e.contract, big.NewInt(0), e.cfg.GasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	e.logger.Info("fill submitted on-chain",
		zap.String("order_id", orderID.String()),
		zap.String("amount", amount.String()),
		zap.String("tx", signed.Hash().Hex()))
	return signed.Hash().Hex(), nil
}

// TokenBalance reads balanceOf(owner) on the given ERC-20 token.
func (e *EthereumSubmitter) TokenBalance(ctx context.Context, owner, token string) (decimal.Decimal, error) {
	if !common.IsHexAddress(owner) || !common.IsHexAddress(token) {
		return decimal.Zero, apperrors.Validation("owner and token must be hex addresses")
	}

	var balance decimal.Decimal
	err := e.withRetry(ctx, "balanceOf", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()

		data, err := e.tokenABI.Pack("balanceOf", common.HexToAddress(owner))
		if err != nil {
			return err
		}
		tokenAddr := common.HexToAddress(token)
		out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
		if err != nil {
			return fmt.Errorf("balanceOf call failed: %w", err)
		}
		values, err := e.tokenABI.Unpack("balanceOf", out)
		if err != nil {
			return fmt.Errorf("failed to decode balanceOf: %w", err)
		}
		raw, ok := values[0].(*big.Int)
		if !ok {
			return fmt.Errorf("unexpected balanceOf type %T", values[0])
		}
		balance = decimal.NewFromBigInt(raw, 0)
		return nil
	})
	if err != nil {
		return decimal.Zero, apperrors.ExternalService("token balance lookup failed", err)
	}
	return balance, nil
}

func (e *EthereumSubmitter) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			lastErr = err
			e.logger.Warn("settlement call failed",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if attempt < e.cfg.MaxRetries {
				select {
				case <-time.After(e.cfg.RetryDelay * time.Duration(attempt)):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		return nil
	}
	return lastErr
}
