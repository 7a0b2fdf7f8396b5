package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Blockchain BlockchainConfig `yaml:"blockchain"`
	Prover     ProverConfig     `yaml:"prover"`
	WorldState WorldStateConfig `yaml:"worldState"`
	Sequencer  SequencerConfig  `yaml:"sequencer"`
	Admin      AdminConfig      `yaml:"admin"`
	CORS       CORSConfig       `yaml:"cors"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig Database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// NATSConfig NATS message server configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
	// Network names the subjects: rollup.<network>.blocks and rollup.<network>.settled
	Network string `yaml:"network"`
}

// BlocksSubject is the subject the block scanner publishes settled rollups on
func (c NATSConfig) BlocksSubject() string {
	return fmt.Sprintf("rollup.%s.blocks", c.Network)
}

// SettledSubject is the subject the sequencer announces processed rollups on
func (c NATSConfig) SettledSubject() string {
	return fmt.Sprintf("rollup.%s.settled", c.Network)
}

// BlockchainConfig base chain configuration
type BlockchainConfig struct {
	ChainID         int64  `yaml:"chainId"`
	RPCEndpoint     string `yaml:"rpcEndpoint"`
	RollupContract  string `yaml:"rollupContract"`
	FeeDistributor  string `yaml:"feeDistributor"`
	PrivateKey      string `yaml:"privateKey"` // hex, without 0x prefix
	GasLimit        uint64 `yaml:"gasLimit"`
	GasPrice        string `yaml:"gasPrice"` // wei, empty means suggested
	ReceiptTimeout  int    `yaml:"receiptTimeout"`
	ReceiptInterval int    `yaml:"receiptInterval"`
}

// ProverConfig proof generation service configuration
type ProverConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Timeout int    `yaml:"timeout"` // seconds
}

// WorldStateConfig merkle tree storage configuration
type WorldStateConfig struct {
	Path string `yaml:"path"`
}

// SequencerConfig batching and publishing policy
type SequencerConfig struct {
	InnerRollupTxs         int               `yaml:"innerRollupTxs"`
	OuterRollupProofs      int               `yaml:"outerRollupProofs"`
	PublishInterval        time.Duration     `yaml:"publishInterval"`
	MinPublishSpacing      time.Duration     `yaml:"minPublishSpacing"`
	NumBridgeCallsPerBlock int               `yaml:"numBridgeCallsPerBlock"`
	RetryInterval          time.Duration     `yaml:"retryInterval"`
	CycleInterval          time.Duration     `yaml:"cycleInterval"`
	FeeReceiver            string            `yaml:"feeReceiver"`
	FeeLimit               string            `yaml:"feeLimit"`
	GasPerRollup           uint64            `yaml:"gasPerRollup"`
	BaseTxGas              map[string]uint64 `yaml:"baseTxGas"`
}

// AdminConfig admin API access control configuration
type AdminConfig struct {
	JWTSecret  string   `yaml:"jwtSecret"`
	AllowedIPs []string `yaml:"allowedIPs"` // IPs or CIDRs besides loopback that may reach /api/admin
}

// CORSConfig cross-origin policy for the public API
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

var AppConfig *Config

// LoadConfig Load configuration file
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			fmt.Printf("🔧 Using local configuration file: config.local.yaml\n")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return err
	}
	fmt.Printf("✅ [%s] Loading configuration from config file: %s\n", time.Now().Format("2006-01-02 15:04:05"), configPath)

	overrideFromEnv(config)
	config.ApplyDefaults()

	fmt.Printf("📋 [Config] Prover configuration loaded: BaseURL=%s, Timeout=%d\n", config.Prover.BaseURL, config.Prover.Timeout)
	fmt.Printf("📋 [Config] Sequencer: innerRollupTxs=%d outerRollupProofs=%d publishInterval=%s\n",
		config.Sequencer.InnerRollupTxs, config.Sequencer.OuterRollupProofs, config.Sequencer.PublishInterval)

	AppConfig = config
	return nil
}

// Parse decodes a YAML document without touching AppConfig
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &config, nil
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8081
	}
	if c.NATS.Network == "" {
		c.NATS.Network = "mainnet"
	}
	if c.NATS.Timeout == 0 {
		c.NATS.Timeout = 10
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.Blockchain.GasLimit == 0 {
		c.Blockchain.GasLimit = 12_000_000
	}
	if c.Blockchain.ReceiptInterval == 0 {
		c.Blockchain.ReceiptInterval = 2
	}
	if c.Blockchain.ReceiptTimeout == 0 {
		c.Blockchain.ReceiptTimeout = 300
	}
	if c.Prover.Timeout == 0 {
		c.Prover.Timeout = 600
	}
	if c.WorldState.Path == "" {
		c.WorldState.Path = "data/worldstate"
	}

	s := &c.Sequencer
	if s.InnerRollupTxs == 0 {
		s.InnerRollupTxs = 2
	}
	if s.OuterRollupProofs == 0 {
		s.OuterRollupProofs = 4
	}
	if s.PublishInterval == 0 {
		s.PublishInterval = 5 * time.Minute
	}
	if s.NumBridgeCallsPerBlock == 0 {
		s.NumBridgeCallsPerBlock = 4
	}
	if s.RetryInterval == 0 {
		s.RetryInterval = 60 * time.Second
	}
	if s.CycleInterval == 0 {
		s.CycleInterval = time.Second
	}
	if s.FeeLimit == "" {
		s.FeeLimit = "0"
	}
	if s.GasPerRollup == 0 {
		s.GasPerRollup = 1_000_000
	}
	if s.BaseTxGas == nil {
		s.BaseTxGas = map[string]uint64{}
	}
}

// overrideFromEnv Override configuration from environment variables
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if prover := os.Getenv("PROVER_BASE_URL"); prover != "" {
		config.Prover.BaseURL = prover
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}
	if natsTimeout := os.Getenv("NATS_TIMEOUT"); natsTimeout != "" {
		if t, err := strconv.Atoi(natsTimeout); err == nil {
			config.NATS.Timeout = t
		}
	}
	if network := os.Getenv("ROLLUP_NETWORK"); network != "" {
		config.NATS.Network = network
	}

	if rpcURL := os.Getenv("RPC_ENDPOINT"); rpcURL != "" {
		config.Blockchain.RPCEndpoint = rpcURL
	}
	if privateKey := os.Getenv("PRIVATE_KEY"); privateKey != "" {
		config.Blockchain.PrivateKey = strings.TrimPrefix(privateKey, "0x")
		fmt.Printf("✅ [Config] Loaded private key from environment variable: PRIVATE_KEY\n")
	}
	if rollupContract := os.Getenv("ROLLUP_CONTRACT"); rollupContract != "" {
		config.Blockchain.RollupContract = rollupContract
	}
	if gasPrice := os.Getenv("GAS_PRICE"); gasPrice != "" {
		config.Blockchain.GasPrice = gasPrice
	}

	if path := os.Getenv("WORLD_STATE_PATH"); path != "" {
		config.WorldState.Path = path
	}

	if interval := os.Getenv("PUBLISH_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Sequencer.PublishInterval = d
		}
	}
	if feeReceiver := os.Getenv("FEE_RECEIVER"); feeReceiver != "" {
		config.Sequencer.FeeReceiver = feeReceiver
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Admin.JWTSecret = secret
	}
}
