package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Chain       ChainConfig       `mapstructure:"chain"`
	Board       BoardConfig       `mapstructure:"board"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	Store       StoreConfig       `mapstructure:"store"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Development DevelopmentConfig `mapstructure:"development"`
}

type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	StaticDir string `mapstructure:"static_dir"`
}

type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	WSURL          string        `mapstructure:"ws_url"` // log subscriptions; rpc_url when empty
	ChainID        int64         `mapstructure:"chain_id"`
	GatewayAddress string        `mapstructure:"gateway_address"`
	GasLimit       uint64        `mapstructure:"gas_limit"`
	GasPrice       string        `mapstructure:"gas_price"` // wei, decimal
	ReceiptTimeout time.Duration `mapstructure:"receipt_timeout"`
}

type BoardConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

type WalletConfig struct {
	KeystoreDir string `mapstructure:"keystore_dir"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type DevelopmentConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// Known Harmony networks by chain id.
var Networks = map[int64]string{
	1666600000: "harmony-mainnet",
	1666700000: "harmony-testnet",
	1666900000: "harmony-devnet",
}

// Load reads config.yaml from . or ./config, overlaid with DMNK_* environment
// variables. A missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(".", "./config")
}

func LoadFrom(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// Enable environment variables
	v.SetEnvPrefix("DMNK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_dir", "./web/static")
	v.SetDefault("chain.rpc_url", "https://api.s0.b.hmny.io")
	v.SetDefault("chain.ws_url", "wss://ws.s0.b.hmny.io")
	v.SetDefault("chain.chain_id", 1666700000)
	v.SetDefault("chain.gateway_address", "")
	v.SetDefault("chain.gas_limit", 10_000_000)
	v.SetDefault("chain.gas_price", "100000000000")
	v.SetDefault("chain.receipt_timeout", "2m")
	v.SetDefault("board.width", 20)
	v.SetDefault("board.height", 20)
	v.SetDefault("wallet.keystore_dir", "./data/keystore")
	v.SetDefault("store.path", "./data/dmnk.db")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("development.debug", false)
	v.SetDefault("development.log_level", "info")
}

func (c *Config) Validate() error {
	if c.Board.Width <= 0 || c.Board.Height <= 0 {
		return fmt.Errorf("board must be at least 1x1, got %dx%d", c.Board.Width, c.Board.Height)
	}
	if c.Chain.GatewayAddress != "" && !common.IsHexAddress(c.Chain.GatewayAddress) {
		return fmt.Errorf("chain.gateway_address %q is not an address", c.Chain.GatewayAddress)
	}
	if _, err := c.Chain.GasPriceWei(); err != nil {
		return err
	}
	return nil
}

func (c ChainConfig) GasPriceWei() (*big.Int, error) {
	price, ok := new(big.Int).SetString(c.GasPrice, 10)
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("chain.gas_price %q is not a positive integer", c.GasPrice)
	}
	return price, nil
}

// EventsURL is the endpoint used for log subscriptions.
func (c ChainConfig) EventsURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	return c.RPCURL
}

func (c ChainConfig) Gateway() common.Address {
	return common.HexToAddress(c.GatewayAddress)
}

// NetworkName names the configured chain, or "unknown".
func (c ChainConfig) NetworkName() string {
	if name, ok := Networks[c.ChainID]; ok {
		return name
	}
	return "unknown"
}
