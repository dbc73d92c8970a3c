package simpool

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"ratematch/native/matching"
)

var ErrNoPrice = errors.New("simpool: no price for asset")

// Oracle serves static prices and risk parameters.
type Oracle struct {
	mu      sync.RWMutex
	prices  map[common.Address]*big.Int
	configs map[common.Address]matching.AssetConfig
}

func NewOracle() *Oracle {
	return &Oracle{
		prices:  make(map[common.Address]*big.Int),
		configs: make(map[common.Address]matching.AssetConfig),
	}
}

// Set records the price and risk parameters of an asset.
func (o *Oracle) Set(asset common.Address, price *big.Int, cfg matching.AssetConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = nonNil(price)
	o.configs[asset] = cfg
}

// SetPrice updates the price of a listed asset.
func (o *Oracle) SetPrice(asset common.Address, price *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = nonNil(price)
}

func (o *Oracle) AssetPrice(asset common.Address) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, ok := o.prices[asset]
	if !ok {
		return nil, ErrNoPrice
	}
	return new(big.Int).Set(price), nil
}

func (o *Oracle) AssetConfig(asset common.Address) (matching.AssetConfig, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cfg, ok := o.configs[asset]
	if !ok {
		return matching.AssetConfig{}, ErrNoPrice
	}
	return cfg, nil
}

var _ matching.Oracle = (*Oracle)(nil)
