package config

import (
	"context"
	"fmt"
	"os"

	"github.com/ofb/creek/pkg/secrets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Data     DataConfig     `mapstructure:"data"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type BrokerConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Paper     bool   `mapstructure:"paper"`

	// JWT authentication (gateway deployments)
	AuthType      string `mapstructure:"auth_type"` // "key" or "jwt"
	APIKeyName    string `mapstructure:"api_key_name"`
	PrivateKeyPEM string `mapstructure:"private_key_pem"`

	Stream StreamConfig `mapstructure:"stream"`
}

type StreamConfig struct {
	URL            string `mapstructure:"url"`
	ReconnectDelay int    `mapstructure:"reconnect_delay"`
	MaxReconnects  int    `mapstructure:"max_reconnects"`
}

type TradingConfig struct {
	// MaxSymbol is the upper bound for the overall position in any
	// one symbol across all trades as a fraction of total equity.
	MaxSymbol float64 `mapstructure:"max_symbol"`
	// MaxTradeSize is the upper bound for the size of any one trade
	// as a fraction of total capital.
	MaxTradeSize float64 `mapstructure:"max_trade_size"`
	// OpenThreshold is the initial deviation threshold above which the
	// open signal fires; retargeting adapts it from there.
	OpenThreshold float64 `mapstructure:"open_threshold"`
	// SigmaCushion scales the initial price concession off the last
	// trade price: min(bid-ask spread, stddev * SigmaCushion).
	SigmaCushion float64 `mapstructure:"sigma_cushion"`
	// SigmaBox is the most sigma to sacrifice getting in or out of a
	// position before resolving with a market order.
	SigmaBox float64 `mapstructure:"sigma_box"`
	// ExecutionAttempts bounds the limit-order negotiation rounds.
	ExecutionAttempts int `mapstructure:"execution_attempts"`
	// ExcessCapital is subtracted from equity and cash to determine
	// usable capital. Useful when needing to take money out.
	ExcessCapital float64 `mapstructure:"excess_capital"`
	// HedgeSymbols lists the broad-market hedge instrument and its
	// fallbacks, probed in order at startup; the first fractionable
	// one wins.
	HedgeSymbols []string `mapstructure:"hedge_symbols"`
	// ReconcileTolerance is the share-count drift ignored by the
	// reconciler.
	ReconcileTolerance float64 `mapstructure:"reconcile_tolerance"`
}

type DataConfig struct {
	PairsPath     string `mapstructure:"pairs_path"`
	CheckpointDir string `mapstructure:"checkpoint_dir"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/creek")
	}

	v.SetEnvPrefix("CREEK")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("broker.paper", true)
	v.SetDefault("broker.auth_type", "key")
	v.SetDefault("broker.stream.url", "wss://stream.data.alpaca.markets/v2/iex")
	v.SetDefault("broker.stream.reconnect_delay", 5)
	v.SetDefault("broker.stream.max_reconnects", 10)

	v.SetDefault("trading.max_symbol", 0.05)
	v.SetDefault("trading.max_trade_size", 0.05)
	v.SetDefault("trading.open_threshold", 3.0)
	v.SetDefault("trading.sigma_cushion", 0.025)
	v.SetDefault("trading.sigma_box", 0.2)
	v.SetDefault("trading.execution_attempts", 10)
	v.SetDefault("trading.excess_capital", 0.0)
	v.SetDefault("trading.hedge_symbols", []string{"SPY", "VOO", "IVV"})
	v.SetDefault("trading.reconcile_tolerance", 0.5)

	v.SetDefault("data.pairs_path", "./data/pearson.csv")
	v.SetDefault("data.checkpoint_dir", "./data/checkpoints")

	v.SetDefault("database.path", "./data/creek.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.api_key", secretNames.APIKey)
	v.SetDefault("gcp.secret_names.api_secret", secretNames.APISecret)
	v.SetDefault("gcp.secret_names.api_key_name", secretNames.APIKeyName)
	v.SetDefault("gcp.secret_names.private_key", secretNames.PrivateKey)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("BROKER_API_KEY"); apiKey != "" {
		config.Broker.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BROKER_API_SECRET"); apiSecret != "" {
		config.Broker.APISecret = apiSecret
	}
	if authType := os.Getenv("BROKER_AUTH_TYPE"); authType != "" {
		config.Broker.AuthType = authType
	}
	if apiKeyName := os.Getenv("BROKER_API_KEY_NAME"); apiKeyName != "" {
		config.Broker.APIKeyName = apiKeyName
	}
	if privateKey := os.Getenv("BROKER_PRIVATE_KEY"); privateKey != "" {
		config.Broker.PrivateKeyPEM = privateKey
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets if they're not already set
	if config.Broker.APIKey == "" {
		config.Broker.APIKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APIKey, "")
	}
	if config.Broker.APISecret == "" {
		config.Broker.APISecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APISecret, "")
	}
	if config.Broker.APIKeyName == "" {
		config.Broker.APIKeyName = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APIKeyName, "")
	}
	if config.Broker.PrivateKeyPEM == "" {
		config.Broker.PrivateKeyPEM = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.PrivateKey, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
