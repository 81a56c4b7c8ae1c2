package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "escrowd.conf"
	defaultAdminListen    = "127.0.0.1:8443"
	defaultLogLevel       = "info"
)

// config mirrors lnd.go's loadedConfig shape: an INI file plus command
// line flags composited by go-flags, the daemon-side half of the
// go-flags/urfave-cli split escrowctl's own main.go documents.
type config struct {
	ConfigFile string `long:"configfile" description:"Path to configuration file"`
	DataDir    string `long:"datadir" description:"Directory to store generated bootstrap files (TLS cert/key, admin macaroon)"`
	LogLevel   string `long:"loglevel" description:"Logging level for all subsystems"`

	DatabaseDSN string `long:"database.dsn" description:"Postgres connection string for the Deal Store" env:"ESCROWD_DATABASE_DSN"`
	RedisAddr   string `long:"redis.addr" description:"Redis address for the Session Store" env:"ESCROWD_REDIS_ADDR"`

	TronBaseURL      string `long:"tron.baseurl" description:"TRON full node or TronGrid base URL" env:"ESCROWD_TRON_BASEURL"`
	TronAPIKey       string `long:"tron.apikey" description:"TronGrid API key" env:"ESCROWD_TRON_APIKEY"`
	TronUSDTContract string `long:"tron.usdtcontract" description:"TRC20 USDT contract address" env:"ESCROWD_TRON_USDT_CONTRACT"`

	ArbiterAddress string `long:"arbiter.address" description:"Arbiter's own TRON address, the wallet's third key" env:"ESCROWD_ARBITER_ADDRESS"`
	ArbiterKey     string `long:"arbiter.key" description:"Arbiter's process-wide signing key" env:"ESCROWD_ARBITER_KEY"`

	CommissionWallet string `long:"commission.wallet" description:"Commission-collection TRON address" env:"ESCROWD_COMMISSION_WALLET"`

	PriceFeedURL   string `long:"pricefeed.url" description:"JSON TRX/USD price feed endpoint" env:"ESCROWD_PRICEFEED_URL"`
	PriceFeedField string `long:"pricefeed.field" description:"JSON field name carrying the price in the feed response"`

	AdminListenAddr  string `long:"admin.listen" description:"Admin API TLS listen address"`
	AdminMacaroonKey string `long:"admin.macaroonkey" description:"Secret root key for minting/verifying the admin macaroon" env:"ESCROWD_ADMIN_MACAROON_ROOT_KEY"`
}

// defaultConfig returns a config pre-filled with every documented default,
// the same role lnd.go's loadConfig plays before flags.Parse overrides
// individual fields.
func defaultConfig() config {
	return config{
		DataDir:         appDataDir("escrowd", false),
		LogLevel:        defaultLogLevel,
		PriceFeedField:  "price",
		AdminListenAddr: defaultAdminListen,
	}
}

// loadConfig parses escrowd.conf (if present) and then command-line flags
// over it, validating the combination the way lnd.go's loadConfig does
// before lndMain ever touches cfg.
func loadConfig() (*config, error) {
	preCfg := defaultConfig()
	if _, err := flags.NewParser(&preCfg, flags.Default).Parse(); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	configPath := preCfg.ConfigFile
	if configPath == "" {
		configPath = filepath.Join(preCfg.DataDir, defaultConfigFilename)
	}
	if _, err := os.Stat(configPath); err == nil {
		parser := flags.NewParser(&cfg, flags.Default)
		if err := flags.NewIniParser(parser).ParseFile(configPath); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	if _, err := flags.NewParser(&cfg, flags.Default).Parse(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// appDataDir mirrors escrowctl's own helper of the same name (see
// cmd/escrowctl/main.go's doc comment for why this is a small local
// function rather than an import of btcutil.AppDataDir).
func appDataDir(appName string, roaming bool) string {
	if appName == "" || appName == "." {
		return "."
	}
	homeDir := os.Getenv("HOME")
	if homeDir == "" {
		homeDir = "."
	}
	return filepath.Join(homeDir, "."+appName)
}

func (c *config) validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.TronBaseURL == "" {
		return fmt.Errorf("tron.baseurl is required")
	}
	if c.ArbiterAddress == "" || c.ArbiterKey == "" {
		return fmt.Errorf("arbiter.address and arbiter.key are both required")
	}
	if c.CommissionWallet == "" {
		return fmt.Errorf("commission.wallet is required")
	}
	if c.AdminMacaroonKey == "" {
		return fmt.Errorf("admin.macaroonkey is required")
	}
	if _, _, err := net.SplitHostPort(c.AdminListenAddr); err != nil {
		return fmt.Errorf("admin.listen must be host:port: %w", err)
	}
	return nil
}
