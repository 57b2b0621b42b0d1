package main

import (
	"context"
	"fmt"
	"time"

	"github.com/filswan/go-swan-lib/logs"
	"github.com/gomodule/redigo/redis"
	"github.com/lagrangedao/go-computing-broker/conf"
	"github.com/lagrangedao/go-computing-broker/constants"
	"github.com/lagrangedao/go-computing-broker/internal/escrow"
	"github.com/lagrangedao/go-computing-broker/internal/fee"
	"github.com/lagrangedao/go-computing-broker/internal/jobs"
	"github.com/lagrangedao/go-computing-broker/internal/ledger"
	"github.com/lagrangedao/go-computing-broker/internal/lock"
	"github.com/lagrangedao/go-computing-broker/internal/notify"
	"github.com/lagrangedao/go-computing-broker/internal/reputation"
	"github.com/lagrangedao/go-computing-broker/internal/settlement"
	"github.com/lagrangedao/go-computing-broker/internal/store"
	"github.com/lagrangedao/go-computing-broker/internal/store/leveldb"
	"github.com/lagrangedao/go-computing-broker/internal/store/sqlstore"
	"github.com/lagrangedao/go-computing-broker/internal/worker"
	"github.com/lagrangedao/go-computing-broker/wallet"
)

const (
	eventsChannel = constants.REDIS_EVENTS_CHANNEL
	lockTTL       = 2 * time.Minute
)

// node is every long-lived component of a running broker.
type node struct {
	cfg     *conf.BrokerConfig
	store   store.Store
	settle  settlement.Client
	ledger  *ledger.Ledger
	escrow  *escrow.Coordinator
	rep     *reputation.Ledger
	machine *jobs.Machine
	bus     *notify.Bus
	hub     *notify.Hub
	pool    *redis.Pool

	closers []func()
}

func openNode(ctx context.Context, repo string, cfg *conf.BrokerConfig) (n *node, err error) {
	n = &node{cfg: cfg, bus: notify.NewBus(), hub: notify.NewHub()}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	if err = n.openStore(); err != nil {
		return nil, err
	}
	if err = n.openSettlement(ctx, repo); err != nil {
		return nil, err
	}

	var locks lock.Locker = lock.NewKeyedMutex()
	n.bus.SubscribeAll(n.hub.Handle)
	if cfg.REDIS.Url != "" {
		n.pool = worker.NewRedisPool(cfg.REDIS.Url, cfg.REDIS.Password)
		n.closers = append(n.closers, func() { _ = n.pool.Close() })
		if err = worker.Ping(n.pool); err != nil {
			return nil, err
		}
		locks = lock.NewRedisLocker(n.pool, lockTTL)
		n.bus.SubscribeAll(notify.NewRedisPublisher(n.pool, eventsChannel).Handle)
	}

	calc, err := fee.NewCalculator(fee.Schedule{
		PlatformRate:   cfg.FEE.PlatformRate,
		ProcessingRate: cfg.FEE.ProcessingRate,
		Gas:            cfg.FEE.GasFee,
		Precision:      cfg.FEE.Precision,
	})
	if err != nil {
		return nil, err
	}

	n.ledger = ledger.New(n.store)
	n.escrow = escrow.New(n.settle, n.ledger, n.store, calc, n.bus, escrow.Config{
		MaxAttempts:  cfg.ESCROW.MaxAttempts,
		BaseBackoff:  cfg.ESCROW.BaseBackoff.Duration,
		MaxBackoff:   cfg.ESCROW.MaxBackoff.Duration,
		CallTimeout:  cfg.ESCROW.CallTimeout.Duration,
		StuckTimeout: cfg.ESCROW.StuckTimeout.Duration,
	})
	n.rep = reputation.New(n.store, n.ledger, locks, n.settle, n.bus, reputationConfig(cfg.REPUTATION, cfg.ESCROW.CallTimeout.Duration))
	n.machine = jobs.New(n.store, n.escrow, n.rep, locks, n.bus, jobs.Config{
		DisputeWindow: cfg.JOB.DisputeWindow.Duration,
	})
	return n, nil
}

func (n *node) openStore() error {
	switch n.cfg.DB.Driver {
	case "postgres":
		s, err := sqlstore.Connect(n.cfg.DB.Dsn)
		if err != nil {
			return err
		}
		if err := s.AutoMigrate(); err != nil {
			_ = s.Close()
			return fmt.Errorf("migrate postgres store: %w", err)
		}
		n.store = s
	default:
		s, err := leveldb.OpenOrInit(n.cfg.DB.Path)
		if err != nil {
			return fmt.Errorf("open store %s: %w", n.cfg.DB.Path, err)
		}
		n.store = s
	}
	n.closers = append(n.closers, func() { _ = n.store.Close() })
	logs.GetLogger().Infof("store opened, driver: %s", n.cfg.DB.Driver)
	return nil
}

func (n *node) openSettlement(ctx context.Context, repo string) error {
	chain := n.cfg.CHAIN
	if chain.Mode != "ethereum" {
		logs.GetLogger().Warn("settlement runs in local mode, no funds move on chain")
		n.settle = settlement.NewLocalClient()
		return nil
	}

	localWallet, err := wallet.SetupWallet(repo)
	if err != nil {
		return err
	}
	key, err := localWallet.Key(chain.OperatorAddress)
	localWallet.Close()
	if err != nil {
		return err
	}
	eth, err := settlement.NewEthClient(ctx, settlement.EthConfig{
		RPC:                chain.Rpc,
		EscrowContract:     chain.EscrowContract,
		ReputationContract: chain.ReputationContract,
		PrivateKey:         key,
		ChainID:            chain.ChainID,
	})
	if err != nil {
		return err
	}
	n.settle = eth
	n.closers = append(n.closers, eth.Close)
	logs.GetLogger().Infof("settlement on %s, operator: %s", chain.Rpc, chain.OperatorAddress)
	return nil
}

func reputationConfig(c conf.REPUTATION, callTimeout time.Duration) reputation.Config {
	cfg := reputation.DefaultConfig()
	set := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	set(&cfg.InitialScore, c.InitialScore)
	set(&cfg.ScoreCeiling, c.ScoreCeiling)
	set(&cfg.SuccessBonus, c.SuccessBonus)
	set(&cfg.VolumeBonus, c.VolumeBonus)
	set(&cfg.VolumeBonusCap, c.VolumeBonusCap)
	set(&cfg.FailurePenalty, c.FailurePenalty)
	set(&cfg.RatingBonus, c.RatingBonus)
	set(&cfg.DisputePenalty, c.DisputePenalty)
	if c.RatingWeight > 0 {
		cfg.RatingWeight = c.RatingWeight
	}
	if callTimeout > 0 {
		cfg.CallTimeout = callTimeout
	}
	return cfg
}

// Close releases resources in reverse order of opening.
func (n *node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}
