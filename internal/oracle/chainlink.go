package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const aggregatorV3ABI = `[
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],
		"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[
		{"internalType":"uint8","name":"","type":"uint8"}],
		"stateMutability":"view","type":"function"}
]`

// ContractCaller is the subset of ethclient.Client the feed needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// FeedInfo describes the Chainlink aggregator contract for one pair. Inverse
// feeds quote the reciprocal pair (e.g. USDC/WETH priced off the ETH/USD
// feed). Decimals, when non-zero, is used instead of reading decimals() from
// the contract, saving one RPC round-trip per fetch.
type FeedInfo struct {
	Address  common.Address
	Inverse  bool
	Decimals int32
}

// ChainlinkFeed reads prices from on-chain Chainlink aggregator contracts.
// The registry is typed and fixed at construction.
type ChainlinkFeed struct {
	client ContractCaller
	feeds  map[Pair]FeedInfo
	abi    abi.ABI
	logger *zap.Logger
}

// NewChainlinkFeed creates a ChainlinkFeed over a fixed pair registry.
func NewChainlinkFeed(client ContractCaller, feeds map[Pair]FeedInfo, logger *zap.Logger) (*ChainlinkFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse aggregator ABI: %w", err)
	}
	return &ChainlinkFeed{
		client: client,
		feeds:  feeds,
		abi:    parsed,
		logger: logger,
	}, nil
}

func (f *ChainlinkFeed) Source() Source { return SourceChainlink }

// FetchPrice reads latestRoundData and decimals from the pair's aggregator
// contract. The round's updatedAt becomes the sample timestamp so the
// aggregator's staleness filter applies to the on-chain round, not to our
// read.
func (f *ChainlinkFeed) FetchPrice(ctx context.Context, pair Pair) (*PriceSample, error) {
	info, ok := f.feeds[pair]
	if !ok {
		return nil, ErrUnsupportedPair
	}

	answer, updatedAt, err := f.latestRoundData(ctx, info.Address)
	if err != nil {
		return nil, err
	}
	feedDecimals := info.Decimals
	if feedDecimals == 0 {
		d, err := f.decimals(ctx, info.Address)
		if err != nil {
			return nil, err
		}
		feedDecimals = int32(d)
	}

	if answer.Sign() <= 0 {
		return nil, fmt.Errorf("invalid answer from chainlink feed %s", info.Address.Hex())
	}
	if updatedAt.Sign() <= 0 {
		return nil, fmt.Errorf("invalid timestamp from chainlink feed %s", info.Address.Hex())
	}

	price := decimal.NewFromBigInt(answer, -feedDecimals)
	if info.Inverse {
		price = decimal.New(1, 0).Div(price)
	}

	f.logger.Debug("chainlink price fetched",
		zap.String("pair", pair.String()),
		zap.String("feed", info.Address.Hex()),
		zap.String("price", price.String()))

	return &PriceSample{
		Price:     price,
		Timestamp: time.Unix(updatedAt.Int64(), 0),
		Source:    SourceChainlink,
	}, nil
}

func (f *ChainlinkFeed) latestRoundData(ctx context.Context, addr common.Address) (*big.Int, *big.Int, error) {
	data, err := f.abi.Pack("latestRoundData")
	if err != nil {
		return nil, nil, err
	}
	out, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latestRoundData call failed: %w", err)
	}
	values, err := f.abi.Unpack("latestRoundData", out)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode latestRoundData: %w", err)
	}
	if len(values) != 5 {
		return nil, nil, fmt.Errorf("unexpected latestRoundData result arity %d", len(values))
	}
	answer, ok := values[1].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected answer type %T", values[1])
	}
	updatedAt, ok := values[3].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected updatedAt type %T", values[3])
	}
	return answer, updatedAt, nil
}

func (f *ChainlinkFeed) decimals(ctx context.Context, addr common.Address) (uint8, error) {
	data, err := f.abi.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("decimals call failed: %w", err)
	}
	values, err := f.abi.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("failed to decode decimals: %w", err)
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", values[0])
	}
	return d, nil
}
