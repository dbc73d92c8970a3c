package main

import (
	"context"
	"fmt"
	"log/slog"

	"ratematch/core/state"
	"ratematch/native/matching"
	"ratematch/native/matching/simpool"
	"ratematch/services/matchingd/config"
	"ratematch/storage"
)

// runtime bundles the engine and its collaborators.
type runtime struct {
	engine *matching.Engine
	pool   *simpool.Pool
	oracle *simpool.Oracle
	store  *state.MatchingStore
}

// buildPool lists every configured asset on a fresh simulated pool.
func buildPool(assets []config.AssetConfig) (*simpool.Pool, *simpool.Oracle, error) {
	pool := simpool.New(nil)
	oracle := simpool.NewOracle()
	for _, asset := range assets {
		addr := asset.Address()
		if err := pool.AddAsset(addr, asset.SupplyRate(), asset.BorrowRate()); err != nil {
			return nil, nil, fmt.Errorf("pool asset %s: %w", addr.Hex(), err)
		}
		if liquidity := asset.LiquidityAmount(); liquidity.Sign() > 0 {
			if err := pool.AddLiquidity(addr, liquidity); err != nil {
				return nil, nil, fmt.Errorf("pool liquidity %s: %w", addr.Hex(), err)
			}
		}
		oracle.Set(addr, asset.PriceAmount(), asset.Risk())
	}
	return pool, oracle, nil
}

// bootstrap restores the persisted engine state from db, seeding the pool
// with the indexes and balances the engine left there, and then creates any
// genesis market that does not exist yet.
func bootstrap(ctx context.Context, cfg config.Config, genesis matching.Config, db storage.Database, logger *slog.Logger) (*runtime, error) {
	pool, oracle, err := buildPool(cfg.Pool.Assets)
	if err != nil {
		return nil, err
	}
	engine := matching.NewEngine(pool, oracle, genesis)
	engine.SetLogger(logger)

	store := state.NewMatchingStore(state.NewManager(db))
	snapshot, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	for _, m := range snapshot.Markets {
		supplied, borrowed := snapshot.PoolUnits(m.Asset)
		err := pool.Seed(m.Asset, simpool.SeedState{
			SupplyIndex: m.PoolSupplyIndex,
			BorrowIndex: m.PoolBorrowIndex,
			Supplied:    supplied,
			Borrowed:    borrowed,
		})
		if err != nil {
			return nil, fmt.Errorf("seed pool %s: %w", m.Asset.Hex(), err)
		}
	}
	if err := engine.Restore(snapshot); err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	if len(snapshot.Markets) > 0 {
		logger.Info("matching state restored",
			"markets", len(snapshot.Markets),
			"positions", len(snapshot.Positions))
	}

	engine.SetStore(store)
	if err := engine.Genesis(ctx); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	return &runtime{engine: engine, pool: pool, oracle: oracle, store: store}, nil
}

// openDatabase opens leveldb under dataDir, or an in-memory store when no
// directory is configured.
func openDatabase(dataDir string) (storage.Database, error) {
	if dataDir == "" {
		return storage.NewMemDB(), nil
	}
	db, err := storage.NewLevelDB(dataDir)
	if err != nil {
		return nil, err
	}
	return db, nil
}
