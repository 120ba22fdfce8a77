package main

import (
	"context"
	"log/slog"
	"os"

	cdc "github.com/Trendyol/go-scylla-cdc"
	"github.com/Trendyol/go-scylla-cdc/config"
	"github.com/Trendyol/go-scylla-cdc/cql"
	"github.com/Trendyol/go-scylla-cdc/generation"
	"github.com/Trendyol/go-scylla-cdc/message"
	"github.com/Trendyol/go-scylla-cdc/reader"
	"github.com/gocql/gocql"
)

/*
	cqlsh 127.0.0.1

	CREATE KEYSPACE ks WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1};

	CREATE TABLE ks.users (
	 id int,
	 name text,
	 created_on timestamp,
	 PRIMARY KEY (id)
	) WITH cdc = {'enabled': true};

	INSERT INTO ks.users (id, name) VALUES (1, 'Oyleli');
*/

func main() {
	ctx := context.Background()

	cluster := gocql.NewCluster("127.0.0.1")
	session, err := cluster.CreateSession()
	if err != nil {
		slog.Error("create session", "error", err)
		os.Exit(1)
	}
	defer session.Close()

	cfg := config.Config{
		Keyspace: "ks",
		Table: config.TableConfig{
			Name:          "users",
			PartitionKeys: []string{"id"},
		},
		Checkpoint: config.CheckpointConfig{
			Backend: config.CheckpointBackendCQL,
		},
		Metric: config.MetricConfig{
			Port: 8081,
		},
	}

	connector, err := cdc.NewConnector(ctx, cfg, gocqlExecutor{session: session}, factory{})
	if err != nil {
		slog.Error("new connector", "error", err)
		os.Exit(1)
	}

	connector.Start(ctx)
}

type factory struct{}

func (factory) NewConsumer(_ context.Context, stream generation.Stream) (reader.Consumer, error) {
	slog.Info("consumer created", "stream", stream)
	return reader.ConsumerFunc(handle), nil
}

func handle(_ context.Context, entry *message.LogEntry) error {
	switch entry.Operation {
	case message.Insert:
		name, _ := entry.Value("name")
		slog.Info("insert received", "keys", entry.PartitionKeys(), "name", name)
	case message.Update:
		slog.Info("update received", "keys", entry.PartitionKeys(), "name deleted", entry.IsDeleted("name"))
	case message.RowDelete:
		slog.Info("delete received", "keys", entry.PartitionKeys())
	default:
		slog.Info("entry received", "operation", entry.Operation)
	}
	return nil
}

// gocqlExecutor adapts a gocql session to the executor the library consumes.
type gocqlExecutor struct {
	session *gocql.Session
}

func (e gocqlExecutor) Query(ctx context.Context, stmt string, values ...any) (cql.Rows, error) {
	iter := e.session.Query(stmt, values...).WithContext(ctx).Iter()
	return &iterRows{iter: iter}, nil
}

func (e gocqlExecutor) Exec(ctx context.Context, stmt string, values ...any) error {
	return e.session.Query(stmt, values...).WithContext(ctx).Exec()
}

type iterRows struct {
	iter *gocql.Iter
	err  error
}

func (r *iterRows) Next() (map[string]any, bool) {
	row := make(map[string]any)
	if !r.iter.MapScan(row) {
		r.err = r.iter.Close()
		return nil, false
	}
	return row, true
}

func (r *iterRows) Err() error { return r.err }

func (r *iterRows) Close() error { return r.iter.Close() }
