package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Trendyol/go-scylla-cdc/logger"
)

const (
	StartPositionBeginning = "beginning"
	StartPositionNow       = "now"

	CheckpointBackendInmemory = "inmemory"
	CheckpointBackendCQL      = "cql"
)

type Config struct {
	Logger     LoggerConfig     `json:"logger" yaml:"logger"`
	Keyspace   string           `json:"keyspace" yaml:"keyspace"`
	Table      TableConfig      `json:"table" yaml:"table"`
	Progress   ProgressConfig   `json:"progress" yaml:"progress"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`
	Metric     MetricConfig     `json:"metric" yaml:"metric"`
	DebugMode  bool             `json:"debugMode" yaml:"debugMode"`
}

type TableConfig struct {
	Name           string   `json:"name" yaml:"name"`
	PartitionKeys  []string `json:"partitionKeys" yaml:"partitionKeys"`
	ClusteringKeys []string `json:"clusteringKeys" yaml:"clusteringKeys"`
}

type ProgressConfig struct {
	PollIntervalMs int    `json:"pollIntervalMs" yaml:"pollIntervalMs"`
	SafetyMarginMs int    `json:"safetyMarginMs" yaml:"safetyMarginMs"`
	BackoffBaseMs  int    `json:"backoffBaseMs" yaml:"backoffBaseMs"`
	BackoffMaxMs   int    `json:"backoffMaxMs" yaml:"backoffMaxMs"`
	RetryAttempts  uint   `json:"retryAttempts" yaml:"retryAttempts"`
	Workers        int    `json:"workers" yaml:"workers"`
	StartPosition  string `json:"startPosition" yaml:"startPosition"` // beginning, now or RFC3339
}

type CheckpointConfig struct {
	Backend   string `json:"backend" yaml:"backend"` // inmemory or cql
	Keyspace  string `json:"keyspace" yaml:"keyspace"`
	TableName string `json:"tableName" yaml:"tableName"`
}

type MetricConfig struct {
	Port int `json:"port" yaml:"port"`
}

type LoggerConfig struct {
	Logger   logger.Logger `json:"-" yaml:"-"`         // custom logger
	LogLevel slog.Level    `json:"level" yaml:"level"` // if custom logger is nil, set the slog log level
}

func (c ProgressConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c ProgressConfig) SafetyMargin() time.Duration {
	return time.Duration(c.SafetyMarginMs) * time.Millisecond
}

func (c ProgressConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c ProgressConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// StartTime resolves the configured start position. Zero time with ok=true
// means from the beginning.
func (c ProgressConfig) StartTime() (time.Time, bool) {
	switch c.StartPosition {
	case "", StartPositionBeginning:
		return time.Time{}, true
	case StartPositionNow:
		return time.Now().UTC(), true
	default:
		t, err := time.Parse(time.RFC3339, c.StartPosition)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
}

func (c *Config) SetDefault() {
	if c.Progress.PollIntervalMs == 0 {
		c.Progress.PollIntervalMs = 5000
	}

	if c.Progress.SafetyMarginMs == 0 {
		c.Progress.SafetyMarginMs = 5000
	}

	if c.Progress.BackoffBaseMs == 0 {
		c.Progress.BackoffBaseMs = 500
	}

	if c.Progress.BackoffMaxMs == 0 {
		c.Progress.BackoffMaxMs = 30000
	}

	if c.Progress.RetryAttempts == 0 {
		c.Progress.RetryAttempts = 5
	}

	if c.Progress.Workers == 0 {
		c.Progress.Workers = 16
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = CheckpointBackendInmemory
	}

	if c.Checkpoint.Keyspace == "" {
		c.Checkpoint.Keyspace = c.Keyspace
	}

	if c.Metric.Port == 0 {
		c.Metric.Port = 8080
	}

	if c.Logger.Logger == nil {
		c.Logger.Logger = logger.NewSlog(c.Logger.LogLevel)
	}
}

func (c *Config) Validate() error {
	var err error
	if isEmpty(c.Keyspace) {
		err = errors.Join(err, errors.New("keyspace cannot be empty"))
	}

	if isEmpty(c.Table.Name) {
		err = errors.Join(err, errors.New("table name cannot be empty"))
	}

	if len(c.Table.PartitionKeys) == 0 {
		err = errors.Join(err, errors.New("table partition keys cannot be empty"))
	}

	switch c.Checkpoint.Backend {
	case "", CheckpointBackendInmemory, CheckpointBackendCQL:
	default:
		err = errors.Join(err, fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend))
	}

	if _, ok := c.Progress.StartTime(); !ok {
		err = errors.Join(err, fmt.Errorf("start position %q is neither beginning, now nor RFC3339", c.Progress.StartPosition))
	}

	return err
}

func (c *Config) Print() {
	cfg := *c
	b, _ := json.Marshal(cfg)
	fmt.Println("used config: " + string(b))
}

func isEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
