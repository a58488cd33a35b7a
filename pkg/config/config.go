package config

import "time"

// Config - корневая структура конфигурации приложения
// yaml и validate теги для парсинга и валидации

type Config struct {
	Node   NodeConfig   `yaml:"node" validate:"required"`
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Server ServerConfig `yaml:"http-server" validate:"required"`
	DB     `yaml:"db" validate:"required"`
	Raft   RaftConfig   `yaml:"raft" validate:"required"`
}

// NodeConfig identifies this process within the cluster and names the
// directory its engine persists to.
type NodeConfig struct {
	ID         uint64 `yaml:"id" validate:"required"`
	DataDir    string `yaml:"data_dir" validate:"required"`
	DataCenter string `yaml:"data_center"`
	Rack       string `yaml:"rack"`
}

type ServerConfig struct {
	ListenAddress     string    `yaml:"listen_address"`
	Port              int       `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Time `yaml:"read_header_timeout" validate:"required"`
}

type DB struct {
	Memtable    MemtableConfig    `yaml:"memtable" validate:"required"`
	Persistence PersistenceConfig `yaml:"persistence" validate:"required"`
}

type MemtableConfig struct {
	FlushThresholdBytes int `yaml:"flush_threshold" validate:"required,min=1"`
	FlushChanBuffSize   int `yaml:"flush_chan_buff_size" validate:"required,min=1"`
	MaxImmTables        int `yaml:"max_imm_tables" validate:"min=0"`
}

type PersistenceConfig struct {
	RootPath    string            `yaml:"path" validate:"required,dir"`
	SSTable     SSTableConfig     `yaml:"sstable" validate:"required"`
	Cache       CacheConfig       `yaml:"cache" validate:"required"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter" validate:"required"`
}

type SSTableConfig struct {
	SizeMultiplier   int `yaml:"size_multiplier" validate:"required,min=1"`
	CompactThreshold int `yaml:"compact_threshold" validate:"required,min=1"`
}

type CacheConfig struct {
	Capacity int `yaml:"capacity" validate:"required,min=1"`
}

type BloomFilterConfig struct {
	FPRate float64 `yaml:"fp_rate" validate:"required,gt=0,lt=1"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// RaftPeerConfig names one voter in the initial configuration.
type RaftPeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required"`
}

// RaftConfig tunes the underlying go.etcd.io/etcd/raft/v3 node.
type RaftConfig struct {
	ID                        uint64           `yaml:"id" validate:"required"`
	ElectionTick              int              `yaml:"election_tick" validate:"required,min=1"`
	HeartbeatTick             int              `yaml:"heartbeat_tick" validate:"required,min=1"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs" validate:"required,min=1"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	Peers                     []RaftPeerConfig `yaml:"peers" validate:"required,min=1"`

	// QueueCapacity bounds the driver's event queue for this node's FSM.
	QueueCapacity int `yaml:"queue_capacity"`
}

// DefaultRaft returns a single-node baseline Raft tuning, useful for tests
// and single-replica development setups.
func DefaultRaft(id uint64, peers []RaftPeerConfig) RaftConfig {
	return RaftConfig{
		ID:                        id,
		ElectionTick:              10,
		HeartbeatTick:             1,
		MaxSizePerMsg:             1024 * 1024,
		MaxCommittedSizePerReady:  1024 * 1024,
		MaxUncommittedEntriesSize: 1 << 30,
		MaxInflightMsgs:           256,
		CheckQuorum:               true,
		PreVote:                   true,
		Peers:                     peers,
		QueueCapacity:             4096,
	}
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Node: NodeConfig{ID: 1, DataDir: "./data"},
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			ListenAddress: "0.0.0.0",
			Port:          8080,
		},
		DB: DB{
			Memtable: MemtableConfig{
				FlushThresholdBytes: 1024,
				FlushChanBuffSize:   3,
				MaxImmTables:        3,
			},
			Persistence: PersistenceConfig{
				RootPath: "./data",
				SSTable: SSTableConfig{
					SizeMultiplier:   10,
					CompactThreshold: 4,
				},
				Cache: CacheConfig{
					Capacity: 100,
				},
				BloomFilter: BloomFilterConfig{
					FPRate: 0.01,
				},
			},
		},
		Raft: DefaultRaft(1, nil),
	}
}
