package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tachi-protocol/gateway/internal/fetcher"
	"github.com/tachi-protocol/gateway/internal/gateway"
	"github.com/tachi-protocol/gateway/internal/governor"
	"github.com/tachi-protocol/gateway/internal/ledger"
	"github.com/tachi-protocol/gateway/internal/monitoring"
	"github.com/tachi-protocol/gateway/internal/policy"
	"github.com/tachi-protocol/gateway/internal/registry"
	"github.com/tachi-protocol/gateway/internal/resilience"
	"github.com/tachi-protocol/gateway/internal/safety"
	"github.com/tachi-protocol/gateway/internal/store"
	"github.com/tachi-protocol/gateway/pkg/chain"
)

// gatewayEnv bundles the wired components a command needs.
type gatewayEnv struct {
	Store     store.Store
	Counters  governor.CounterStore
	Governor  *governor.Governor
	Ledger    *ledger.Ledger
	Pipeline  *gateway.Pipeline
	Collector *monitoring.Collector
	Alerter   *monitoring.Alerter
	Checker   *monitoring.Checker
}

func (e *gatewayEnv) Close() {
	if e.Counters != nil {
		if err := e.Counters.Close(); err != nil {
			zap.L().Warn("counter store close failed", zap.Error(err))
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("store close failed", zap.Error(err))
		}
	}
}

// openStore selects the persistence backend by configured driver.
func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store)
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initGateway wires the full request path: store, admission governor,
// safety scanner, license registry, ledger, fetcher, and monitoring.
func initGateway(ctx context.Context) (*gatewayEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}

	counters, err := governor.OpenCounterStore(ctx, cfg.Governor)
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "open counter store")
	}
	gov := governor.New(counters, cfg.Governor)

	scanner, err := safety.New(cfg.Safety)
	if err != nil {
		counters.Close()
		st.Close()
		return nil, eris.Wrap(err, "load safety patterns")
	}

	chainClient := chain.New(cfg.Chain, resilience.FromCircuitConfig(
		cfg.Resilience.FailureThreshold, cfg.Resilience.ResetTimeoutSecs))
	licenses := registry.New(chainClient, st, cfg.Registry)

	alerter := monitoring.NewAlerter(cfg.Monitoring)
	led := ledger.New(st, alerter)

	pipe := gateway.New(st, gov, scanner, policy.NewEvaluator(cfg.Policy), licenses,
		led, fetcher.NewHTTPFetcher(cfg.Fetch), cfg.Chain, cfg.Batch)

	chainOpen := func() bool { return chainClient.CircuitState() == resilience.CircuitOpen }
	collector := monitoring.NewCollector(st, led, gov, chainOpen)
	checker := monitoring.NewChecker(cfg.Monitoring, collector, alerter)

	zap.L().Info("gateway initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("counter_store", cfg.Governor.CounterStore),
		zap.String("chain_network", cfg.Chain.Network))

	return &gatewayEnv{
		Store:     st,
		Counters:  counters,
		Governor:  gov,
		Ledger:    led,
		Pipeline:  pipe,
		Collector: collector,
		Alerter:   alerter,
		Checker:   checker,
	}, nil
}
