// Package polygon subscribes to Polymarket CTF exchange fills on Polygon.
package polygon

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const (
	// CTFExchange is the binary-market exchange.
	CTFExchange = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	// NegRiskExchange is the neg-risk market exchange.
	NegRiskExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"

	// amountScale converts USDC and outcome-token base units.
	amountScale = 1e6
)

var exchangeABI abi.ABI

func init() {
	var err error
	exchangeABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "OrderFilled",
			"type": "event",
			"anonymous": false,
			"inputs": [
				{"name": "orderHash", "type": "bytes32", "indexed": true},
				{"name": "maker", "type": "address", "indexed": true},
				{"name": "taker", "type": "address", "indexed": true},
				{"name": "makerAssetId", "type": "uint256", "indexed": false},
				{"name": "takerAssetId", "type": "uint256", "indexed": false},
				{"name": "makerAmountFilled", "type": "uint256", "indexed": false},
				{"name": "takerAmountFilled", "type": "uint256", "indexed": false},
				{"name": "fee", "type": "uint256", "indexed": false}
			]
		}
	]`))
	if err != nil {
		panic("exchange abi parse: " + err.Error())
	}
}

// OrderFilledTopic is topic[0] of every OrderFilled log.
func OrderFilledTopic() common.Hash {
	return exchangeABI.Events["OrderFilled"].ID
}

// Fill is one decoded OrderFilled log.
type Fill struct {
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
	Removed     bool
	Leg         domain.FillLeg
}

// DecodeFill decodes an OrderFilled log.
func DecodeFill(lg types.Log) (Fill, error) {
	if len(lg.Topics) != 4 || lg.Topics[0] != OrderFilledTopic() {
		return Fill{}, fmt.Errorf("%w: not an OrderFilled log", domain.ErrMalformed)
	}
	values, err := exchangeABI.Unpack("OrderFilled", lg.Data)
	if err != nil {
		return Fill{}, fmt.Errorf("%w: unpack OrderFilled: %v", domain.ErrMalformed, err)
	}
	if len(values) != 5 {
		return Fill{}, fmt.Errorf("%w: OrderFilled has %d fields", domain.ErrMalformed, len(values))
	}
	ints := make([]*big.Int, 4)
	for i := range ints {
		v, ok := values[i].(*big.Int)
		if !ok {
			return Fill{}, fmt.Errorf("%w: OrderFilled field %d is %T", domain.ErrMalformed, i, values[i])
		}
		ints[i] = v
	}

	return Fill{
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		Removed:     lg.Removed,
		Leg: domain.FillLeg{
			Maker:        topicAddress(lg.Topics[2]),
			Taker:        topicAddress(lg.Topics[3]),
			MakerAssetID: ints[0].String(),
			TakerAssetID: ints[1].String(),
			MakerAmount:  scale(ints[2]),
			TakerAmount:  scale(ints[3]),
		},
	}, nil
}

func topicAddress(h common.Hash) domain.Address {
	return domain.Address(strings.ToLower(common.BytesToAddress(h.Bytes()).Hex()))
}

func scale(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(amountScale)).Float64()
	return f
}

// FillQueries builds the two filters for participants: one matching them as
// maker, one as taker. Topic filters cannot OR across positions.
func FillQueries(exchanges []common.Address, participants []domain.Address) []ethereum.FilterQuery {
	addrs := make([]common.Hash, 0, len(participants))
	for _, p := range participants {
		addrs = append(addrs, common.BytesToHash(p.Common().Bytes()))
	}
	topic := OrderFilledTopic()
	return []ethereum.FilterQuery{
		{Addresses: exchanges, Topics: [][]common.Hash{{topic}, nil, addrs}},
		{Addresses: exchanges, Topics: [][]common.Hash{{topic}, nil, nil, addrs}},
	}
}

// ExchangeClient watches the exchange contracts over a WebSocket JSON-RPC
// connection.
type ExchangeClient struct {
	client    *ethclient.Client
	exchanges []common.Address
}

// Dial connects to a Polygon WebSocket RPC endpoint.
func Dial(ctx context.Context, wsURL string, exchanges []string) (*ExchangeClient, error) {
	client, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("polygon: dial rpc: %w", err)
	}
	addrs := make([]common.Address, 0, len(exchanges))
	for _, e := range exchanges {
		if !common.IsHexAddress(e) {
			client.Close()
			return nil, fmt.Errorf("polygon: invalid exchange address %q", e)
		}
		addrs = append(addrs, common.HexToAddress(e))
	}
	return &ExchangeClient{client: client, exchanges: addrs}, nil
}

// SubscribeFills streams OrderFilled logs in which any participant is maker
// or taker. The returned subscription ends both underlying subscriptions.
func (c *ExchangeClient) SubscribeFills(ctx context.Context, participants []domain.Address, sink chan<- types.Log) (ethereum.Subscription, error) {
	var subs []ethereum.Subscription
	for _, q := range FillQueries(c.exchanges, participants) {
		sub, err := c.client.SubscribeFilterLogs(ctx, q, sink)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("polygon: subscribe logs: %w", err)
		}
		subs = append(subs, sub)
	}
	return joinSubscriptions(subs...), nil
}

// Close releases the RPC connection.
func (c *ExchangeClient) Close() {
	c.client.Close()
}

// multiSub fans several subscriptions into one.
type multiSub struct {
	subs []ethereum.Subscription
	errc chan error
	once sync.Once
	quit chan struct{}
}

func joinSubscriptions(subs ...ethereum.Subscription) *multiSub {
	m := &multiSub{subs: subs, errc: make(chan error, 1), quit: make(chan struct{})}
	for _, s := range subs {
		go func(s ethereum.Subscription) {
			select {
			case err, ok := <-s.Err():
				if !ok {
					return
				}
				select {
				case m.errc <- err:
				default:
				}
			case <-m.quit:
			}
		}(s)
	}
	return m
}

func (m *multiSub) Unsubscribe() {
	m.once.Do(func() {
		close(m.quit)
		for _, s := range m.subs {
			s.Unsubscribe()
		}
	})
}

func (m *multiSub) Err() <-chan error { return m.errc }
