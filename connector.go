package cdc

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Trendyol/go-scylla-cdc/checkpoint"
	"github.com/Trendyol/go-scylla-cdc/config"
	"github.com/Trendyol/go-scylla-cdc/cql"
	"github.com/Trendyol/go-scylla-cdc/generation"
	"github.com/Trendyol/go-scylla-cdc/internal/http"
	"github.com/Trendyol/go-scylla-cdc/internal/metric"
	"github.com/Trendyol/go-scylla-cdc/logger"
	"github.com/Trendyol/go-scylla-cdc/message"
	"github.com/Trendyol/go-scylla-cdc/reader"
	"github.com/go-playground/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type Connector interface {
	Start(ctx context.Context)
	WaitUntilReady(ctx context.Context) error
	Close()
	GetConfig() *config.Config
	SetMetricCollectors(collectors ...prometheus.Collector)
}

type connector struct {
	cfg                *config.Config
	coordinator        *coordinator
	store              checkpoint.Store
	prometheusRegistry metric.Registry
	server             http.Server

	cancel   context.CancelFunc
	cancelCh chan os.Signal
	readyCh  chan struct{}
}

func NewConnectorWithConfigFile(ctx context.Context, configFilePath string, exec cql.Executor, factory reader.ConsumerFactory) (Connector, error) {
	var cfg config.Config
	var err error

	if strings.HasSuffix(configFilePath, ".json") {
		cfg, err = config.ReadConfigJSON(configFilePath)
	} else {
		cfg, err = config.ReadConfigYAML(configFilePath)
	}
	if err != nil {
		return nil, err
	}

	return NewConnector(ctx, cfg, exec, factory)
}

func NewConnector(_ context.Context, cfg config.Config, exec cql.Executor, factory reader.ConsumerFactory) (Connector, error) {
	if exec == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if factory == nil {
		return nil, errors.New("consumer factory cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation")
	}

	cfg.SetDefault()
	cfg.Print()

	logger.InitLogger(cfg.Logger.Logger)

	retried := cql.WithRetry(exec, cql.RetryPolicy{
		Attempts: cfg.Progress.RetryAttempts,
		Base:     cfg.Progress.BackoffBase(),
		MaxDelay: cfg.Progress.BackoffMax(),
	})

	table := message.TableSpec{
		Keyspace:       cfg.Keyspace,
		Name:           cfg.Table.Name,
		PartitionKeys:  cfg.Table.PartitionKeys,
		ClusteringKeys: cfg.Table.ClusteringKeys,
	}

	store, err := newCheckpointStore(cfg, retried)
	if err != nil {
		return nil, err
	}

	startTime, _ := cfg.Progress.StartTime()

	readerCfg := reader.Config{
		Table:        table,
		PollInterval: cfg.Progress.PollInterval(),
		SafetyMargin: cfg.Progress.SafetyMargin(),
		BackoffBase:  cfg.Progress.BackoffBase(),
		BackoffMax:   cfg.Progress.BackoffMax(),
		StartTime:    startTime,
	}

	m := metric.NewMetric(table.QualifiedName())
	tracker := generation.NewTracker(retried, cfg.Progress.PollInterval())
	coord := newCoordinator(retried, tracker, store, factory, readerCfg, cfg.Progress.Workers, m)
	prometheusRegistry := metric.NewRegistry(m)

	return &connector{
		cfg:                &cfg,
		coordinator:        coord,
		store:              store,
		prometheusRegistry: prometheusRegistry,
		server:             http.NewServer(cfg, prometheusRegistry, coord),

		cancelCh: make(chan os.Signal, 1),
		readyCh:  make(chan struct{}, 1),
	}, nil
}

func newCheckpointStore(cfg config.Config, exec cql.Executor) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case config.CheckpointBackendCQL:
		return checkpoint.NewCQLStore(exec, cfg.Checkpoint.Keyspace, cfg.Checkpoint.TableName), nil
	case config.CheckpointBackendInmemory:
		return checkpoint.NewInmemoryStore(), nil
	default:
		return nil, errors.Newf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

func (c *connector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	if store, ok := c.store.(*checkpoint.CQLStore); ok {
		if err := store.EnsureTable(ctx); err != nil {
			logger.Error("checkpoint table setup", "error", err)
			return
		}
	}

	go c.server.Listen()

	runErr := make(chan error, 1)
	go func() {
		runErr <- c.coordinator.Run(ctx)
	}()

	signal.Notify(c.cancelCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGABRT, syscall.SIGQUIT)

	c.readyCh <- struct{}{}

	logger.Info("cdc log tailing started", "table", c.cfg.Table.Name)

	select {
	case <-c.cancelCh:
		logger.Debug("cancel channel triggered")
		c.cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			logger.Error("coordinator stopped", "error", err)
		}
	}
}

func (c *connector) WaitUntilReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connector) Close() {
	if !isClosed(c.cancelCh) {
		close(c.cancelCh)
	}
	if !isClosed(c.readyCh) {
		close(c.readyCh)
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.server.Shutdown()
}

func (c *connector) GetConfig() *config.Config {
	return c.cfg
}

func (c *connector) SetMetricCollectors(metricCollectors ...prometheus.Collector) {
	c.prometheusRegistry.AddMetricCollectors(metricCollectors...)
}

func isClosed[T any](ch <-chan T) bool {
	select {
	case <-ch:
		return true
	default:
	}

	return false
}
