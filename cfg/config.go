package cfg

import (
	"errors"
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// TailMode selects what the tailer forwards
type TailMode string

const (
	ModeOplog TailMode = "oplog" // Raw oplog entries
	ModeFull  TailMode = "full"  // Resolved current documents
	ModeCDC   TailMode = "cdc"   // Change streams (not implemented)
)

// ErrModeNotImplemented is returned by Validate when the change stream mode is selected
var ErrModeNotImplemented = errors.New("cdc mode not implemented")

// CheckpointStoreType defines where checkpoints are persisted
type CheckpointStoreType string

const (
	StoreMemory   CheckpointStoreType = "memory"   // Process-local, lost on exit
	StoreNull     CheckpointStoreType = "null"     // Discard checkpoints
	StorePebble   CheckpointStoreType = "pebble"   // Local Pebble database
	StoreSQL      CheckpointStoreType = "sql"      // sqlite3, mysql or postgres table
	StoreDynamoDB CheckpointStoreType = "dynamodb" // AWS DynamoDB table
)

// MongoConfiguration describes how to reach the source replica set
type MongoConfiguration struct {
	Host                 string `toml:"host"`
	Port                 int    `toml:"port"`
	ReplicaSet           string `toml:"replica_set"` // Enables HA connection to the set
	Username             string `toml:"username"`
	Password             string `toml:"password"`
	AuthSource           string `toml:"auth_source"`
	DialTimeoutSeconds   int    `toml:"dial_timeout_seconds"`
	AwaitTimeoutMS       int    `toml:"await_timeout_ms"`       // Tailable cursor await before idle heartbeat
	ConnectAttempts      int    `toml:"connect_attempts"`       // Connectivity checks before giving up
	ConnectRetryDelayMS  int    `toml:"connect_retry_delay_ms"` // Delay between connectivity checks
	ReconnectBackoffMS   int    `toml:"reconnect_backoff_ms"`   // Sleep before reacquiring a cursor
	LookupTimeoutSeconds int    `toml:"lookup_timeout_seconds"` // Full-document lookup socket timeout
}

// TailerConfiguration describes one tailer instance
type TailerConfiguration struct {
	Cluster      string             `toml:"cluster"` // Friendly cluster name (tail id)
	Mode         TailMode           `toml:"mode"`
	SetTimestamp bool               `toml:"set_timestamp"` // Tag records with the entry ordinal
	FullDocument bool               `toml:"full_document"` // Resolve current document state
	StartOrdinal uint64             `toml:"start_ordinal"` // Explicit start position, 0 = resume
	Mongo        MongoConfiguration `toml:"mongo"`
}

// ReplicaSetKey returns the replica set component of the tailer identity
func (t TailerConfiguration) ReplicaSetKey() string {
	if t.Mongo.ReplicaSet != "" {
		return t.Mongo.ReplicaSet
	}
	return fmt.Sprintf("%s:%d", t.Mongo.Host, t.Mongo.Port)
}

// Identifier returns the "cluster:replicaSet" form used in logs and metrics
func (t TailerConfiguration) Identifier() string {
	return t.Cluster + ":" + t.ReplicaSetKey()
}

// SQLConfiguration for the SQL checkpoint store
type SQLConfiguration struct {
	Driver string `toml:"driver"` // sqlite3, mysql or postgres
	DSN    string `toml:"dsn"`
	Table  string `toml:"table"`
}

// DynamoDBConfiguration for the DynamoDB checkpoint store
type DynamoDBConfiguration struct {
	Table    string `toml:"table"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"` // Override for local DynamoDB
}

// CheckpointConfiguration controls checkpoint cadence and storage
type CheckpointConfiguration struct {
	Store     CheckpointStoreType   `toml:"store"`
	BatchSize int                   `toml:"batch_size"` // Forwarded records between checkpoints
	Path      string                `toml:"path"`       // Pebble directory
	SQL       SQLConfiguration      `toml:"sql"`
	DynamoDB  DynamoDBConfiguration `toml:"dynamodb"`
}

// FilterConfiguration restricts forwarded namespaces with glob patterns
type FilterConfiguration struct {
	Databases         []string `toml:"databases"`
	Collections       []string `toml:"collections"`
	ExcludeNamespaces []string `toml:"exclude_namespaces"` // db.collection patterns
	DecisionCacheSize int      `toml:"decision_cache_size"`
}

// SinkConfiguration describes one delivery sink. Every tailer gets its own
// instance of every configured sink.
type SinkConfiguration struct {
	Name        string   `toml:"name"`
	Type        string   `toml:"type"`        // console, kafka, nats, amqp, kinesis, firehose
	Format      string   `toml:"format"`      // json or msgpack
	Compression string   `toml:"compression"` // none, gzip or zstd
	Brokers     []string `toml:"brokers"`     // kafka
	Topic       string   `toml:"topic"`       // kafka topic, nats subject, amqp routing key
	NatsURL     string   `toml:"nats_url"`
	AMQPURL     string   `toml:"amqp_url"`
	Exchange    string   `toml:"exchange"` // amqp
	Stream      string   `toml:"stream"`   // kinesis / firehose stream name
	Region      string   `toml:"region"`
	Endpoint    string   `toml:"endpoint"`
	BatchSize   int      `toml:"batch_size"` // firehose buffer, kafka batch
	MaxRetries  int      `toml:"max_retries"`
	RetryMS     int      `toml:"retry_ms"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled                bool `toml:"enabled"`
	LagCollectIntervalSecs int  `toml:"lag_collect_interval_seconds"`
}

// AdminConfiguration for the HTTP control surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // PSK, empty disables auth
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID string `toml:"instance_id"`

	Tailers    []TailerConfiguration   `toml:"tailers"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Filter     FilterConfiguration     `toml:"filter"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags. Defaults come from the environment.
var (
	ConfigPathFlag   = flag.String("config", envString("OPLOGTAIL_CONFIG", ""), "Path to configuration file")
	MongoHostFlag    = flag.String("mongo-host", envString("MONGO_HOST", ""), "MongoDB replica set host to tail")
	MongoPortFlag    = flag.Int("mongo-port", envInt("MONGO_PORT", 0), "MongoDB replica set port")
	TailIDFlag       = flag.String("tail-id", envString("TAIL_ID", ""), "Unique identifier for tail, usually a short name for the cluster")
	ReplicaSetFlag   = flag.String("replica-set", envString("REPLICA_SET", ""), "MongoDB replica set name")
	ModeFlag         = flag.String("mode", envString("MODE", ""), "oplog: oplog entries, full: full document, cdc: change streams")
	SetTimestampFlag = flag.Bool("set-timestamp", envBool("SET_TIMESTAMP"), "Adds the oplog timestamp to each record")
	StartOrdinalFlag = flag.Uint64("start-ordinal", 0, "Explicit start position (encoded oplog timestamp)")
	ConsoleSinkFlag  = flag.Bool("console-sink", envBool("CONSOLE_SINK"), "Enable console output")
	KinesisSinkFlag  = flag.String("kinesis-data-sink", envString("KINESIS_DATA_SINK", ""), "Kinesis data stream name, not ARN")
	FirehoseSinkFlag = flag.String("firehose-data-sink", envString("FIREHOSE_DATA_SINK", ""), "Firehose delivery stream name, not ARN")
	DebugFlag        = flag.Bool("debug", envBool("DEBUG"), "Enable debug logging")
)

// Default configuration
var Config = &Configuration{
	InstanceID: "", // Auto-generate

	Checkpoint: CheckpointConfiguration{
		Store:     StoreDynamoDB,
		BatchSize: 500,
		Path:      "./oplogtail-data",
		SQL: SQLConfiguration{
			Driver: "sqlite3",
			Table:  "oplogtail_checkpoints",
		},
		DynamoDB: DynamoDBConfiguration{
			Table: "oplogtail_checkpoints",
		},
	},

	Filter: FilterConfiguration{
		DecisionCacheSize: 1024,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "json",
	},

	Prometheus: PrometheusConfiguration{
		Enabled:                true,
		LagCollectIntervalSecs: 10,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        9180,
	},
}

// DefaultMongo returns the connection defaults applied to every tailer
func DefaultMongo() MongoConfiguration {
	return MongoConfiguration{
		Port:                 27017,
		DialTimeoutSeconds:   10,
		AwaitTimeoutMS:       1000,
		ConnectAttempts:      3,
		ConnectRetryDelayMS:  5000,
		ReconnectBackoffMS:   1000,
		LookupTimeoutSeconds: 5,
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	applyFlagOverrides()

	for i := range Config.Tailers {
		applyMongoDefaults(&Config.Tailers[i].Mongo)
		if Config.Tailers[i].Mode == "" {
			Config.Tailers[i].Mode = ModeOplog
		}
	}

	// Auto-generate instance ID if not set
	if Config.InstanceID == "" {
		id, err := generateInstanceID()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read machine ID, using hostname")
			id, _ = os.Hostname()
		}
		Config.InstanceID = id
		log.Info().Str("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	if Config.Checkpoint.Store == StorePebble {
		if err := os.MkdirAll(Config.Checkpoint.Path, 0755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	return nil
}

// applyFlagOverrides maps the single-tailer command line onto the config.
// Flags describe the first tailer; a config file may declare more.
func applyFlagOverrides() {
	if *MongoHostFlag != "" || *TailIDFlag != "" {
		if len(Config.Tailers) == 0 {
			Config.Tailers = append(Config.Tailers, TailerConfiguration{})
		}
		t := &Config.Tailers[0]
		if *MongoHostFlag != "" {
			t.Mongo.Host = *MongoHostFlag
		}
		if *MongoPortFlag != 0 {
			t.Mongo.Port = *MongoPortFlag
		}
		if *TailIDFlag != "" {
			t.Cluster = *TailIDFlag
		}
		if *ReplicaSetFlag != "" {
			t.Mongo.ReplicaSet = *ReplicaSetFlag
		}
		if *ModeFlag != "" {
			t.Mode = TailMode(*ModeFlag)
		}
		if *SetTimestampFlag {
			t.SetTimestamp = true
		}
		if *StartOrdinalFlag != 0 {
			t.StartOrdinal = *StartOrdinalFlag
		}
	}

	if *ConsoleSinkFlag {
		Config.Sinks = append(Config.Sinks, SinkConfiguration{Name: "console", Type: "console", Format: "json"})
	}
	if *KinesisSinkFlag != "" {
		Config.Sinks = append(Config.Sinks, SinkConfiguration{Name: "kinesis", Type: "kinesis", Format: "json", Stream: *KinesisSinkFlag})
	}
	if *FirehoseSinkFlag != "" {
		Config.Sinks = append(Config.Sinks, SinkConfiguration{Name: "firehose", Type: "firehose", Format: "json", Stream: *FirehoseSinkFlag})
	}
	if *DebugFlag {
		Config.Logging.Verbose = true
	}
}

func applyMongoDefaults(m *MongoConfiguration) {
	d := DefaultMongo()
	if m.Port == 0 {
		m.Port = d.Port
	}
	if m.DialTimeoutSeconds == 0 {
		m.DialTimeoutSeconds = d.DialTimeoutSeconds
	}
	if m.AwaitTimeoutMS == 0 {
		m.AwaitTimeoutMS = d.AwaitTimeoutMS
	}
	if m.ConnectAttempts == 0 {
		m.ConnectAttempts = d.ConnectAttempts
	}
	if m.ConnectRetryDelayMS == 0 {
		m.ConnectRetryDelayMS = d.ConnectRetryDelayMS
	}
	if m.ReconnectBackoffMS == 0 {
		m.ReconnectBackoffMS = d.ReconnectBackoffMS
	}
	if m.LookupTimeoutSeconds == 0 {
		m.LookupTimeoutSeconds = d.LookupTimeoutSeconds
	}
}

// generateInstanceID derives a stable instance ID from the machine ID
func generateInstanceID() (string, error) {
	id, err := machineid.ProtectedID("oplogtail")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// Validate checks configuration for errors. Full document mode is
// normalized here: it turns on resolution and timestamp tagging.
func Validate() error {
	if len(Config.Tailers) == 0 {
		return fmt.Errorf("at least one tailer is required")
	}

	seen := make(map[string]bool, len(Config.Tailers))
	for i := range Config.Tailers {
		t := &Config.Tailers[i]
		if err := validateTailer(t); err != nil {
			return fmt.Errorf("tailer %d: %w", i, err)
		}
		id := t.Identifier()
		if seen[id] {
			return fmt.Errorf("duplicate tailer identity %s", id)
		}
		seen[id] = true
	}

	if len(Config.Sinks) == 0 {
		return fmt.Errorf("data sink not registered")
	}
	names := make(map[string]bool, len(Config.Sinks))
	for i := range Config.Sinks {
		s := &Config.Sinks[i]
		if s.Type == "" {
			return fmt.Errorf("sink %d: type is required", i)
		}
		if s.Name == "" {
			s.Name = s.Type
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate sink name %s", s.Name)
		}
		names[s.Name] = true
		if s.Format == "" {
			s.Format = "json"
		}
	}

	if Config.Checkpoint.BatchSize < 1 {
		return fmt.Errorf("checkpoint batch size must be >= 1")
	}

	switch Config.Checkpoint.Store {
	case StoreMemory, StoreNull, StorePebble, StoreDynamoDB:
	case StoreSQL:
		if Config.Checkpoint.SQL.DSN == "" {
			return fmt.Errorf("sql checkpoint store requires a dsn")
		}
	default:
		return fmt.Errorf("invalid checkpoint store: %s", Config.Checkpoint.Store)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

func validateTailer(t *TailerConfiguration) error {
	if t.Mongo.Host == "" {
		return fmt.Errorf("mongo host is required")
	}
	if t.Mongo.Port < 1 || t.Mongo.Port > 65535 {
		return fmt.Errorf("invalid mongo port: %d", t.Mongo.Port)
	}
	if t.Cluster == "" {
		return fmt.Errorf("tail id is required")
	}
	if t.Mongo.ConnectAttempts < 1 {
		return fmt.Errorf("connect attempts must be >= 1")
	}
	if t.Mongo.AwaitTimeoutMS < 1 {
		return fmt.Errorf("await timeout must be >= 1ms")
	}

	switch t.Mode {
	case ModeOplog:
	case ModeFull:
		t.FullDocument = true
	case ModeCDC:
		return ErrModeNotImplemented
	default:
		return fmt.Errorf("invalid mode: %s", t.Mode)
	}

	if t.FullDocument && !t.SetTimestamp {
		log.Info().
			Str("tailer", t.Identifier()).
			Msg("Full document resolution enables timestamp tagging")
		t.SetTimestamp = true
	}

	return nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		// Any non-empty value other than "0" counts as set
		return v != "" && v != "0"
	}
	return b
}
