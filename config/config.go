// Package config defines the tower's on-disk/command-line configuration
// surface, parsed with jessevdk/go-flags the way lnd parses its own
// config file and flag set.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"

	"github.com/lightningnetwork/watchtower/params"
)

const (
	defaultConfigFilename = "watchtower.conf"
	defaultDataDirname    = "data"
	defaultLogFilename    = "watchtower.log"
	defaultLogLevel       = "info"
	defaultDBFilename     = "watchtower.db"
	defaultRPCHost        = "localhost:8332"
)

// Config holds every tunable the tower binary accepts, either from the
// command line or from a config file in the data directory.
type Config struct {
	DataDir string `long:"datadir" description:"directory to store the tower's database and logs"`
	LogDir  string `long:"logdir" description:"directory to store log output, defaults under datadir"`
	LogFile string `long:"logfile" description:"log file name"`
	LogLevel string `long:"loglevel" description:"logging level for all subsystems"`
	DBFile  string `long:"dbfile" description:"bolt database file name"`

	RPCHost string `long:"rpchost" description:"bitcoind RPC host:port"`
	RPCUser string `long:"rpcuser" description:"bitcoind RPC username"`
	RPCPass string `long:"rpcpass" description:"bitcoind RPC password"`

	ZMQBlockAddr string `long:"zmqpubrawblock" description:"bitcoind zmq rawblock publisher address"`

	Network string `long:"network" description:"bitcoin network: mainnet, testnet3, regtest, or simnet"`

	ListenAddr string `long:"listenaddr" description:"address for an appointment-intake listener (watchtowerd does not open one)"`

	MaxAppointments uint32 `long:"maxappointments" description:"maximum number of concurrently tracked appointments"`

	Prometheus struct {
		Enabled bool   `long:"enabled" description:"export prometheus metrics"`
		Listen  string `long:"listen" description:"address the prometheus exporter listens on"`
	} `group:"prometheus" namespace:"prometheus"`
}

// Default returns a Config populated with the tower's defaults, the same
// role lnd's loadConfig plays before flags.Parse overlays user overrides.
func Default() *Config {
	return &Config{
		DataDir:         defaultDataDirname,
		LogFile:         defaultLogFilename,
		LogLevel:        defaultLogLevel,
		DBFile:          defaultDBFilename,
		RPCHost:         defaultRPCHost,
		Network:         "mainnet",
		ListenAddr:      "localhost:9911",
		MaxAppointments: params.DefaultMaxAppointments,
	}
}

// Load parses the command line (and, if present, a config file under
// DataDir) into a Config seeded with Default's values.
func Load() (*Config, error) {
	cfg := Default()

	parser := flags.NewParser(cfg, flags.Default)

	preCfg := *cfg
	if _, err := flags.NewParser(&preCfg, flags.Default|flags.IgnoreUnknown).Parse(); err != nil {
		return nil, err
	}
	if preCfg.DataDir != "" {
		cfg.DataDir = preCfg.DataDir
	}

	configPath := filepath.Join(cfg.DataDir, defaultConfigFilename)
	if _, err := os.Stat(configPath); err == nil {
		iniParser := flags.NewIniParser(parser)
		if err := iniParser.ParseFile(configPath); err != nil {
			return nil, fmt.Errorf("unable to parse config file: %v", err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	}

	return cfg, nil
}

// DBPath returns the full path to the tower's bolt database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, c.DBFile)
}

// LogFilePath returns the full path to the tower's log file.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.LogDir, c.LogFile)
}

// IdentityKeyPath returns the full path to the tower's long-term signing
// key, persisted alongside the database.
func (c *Config) IdentityKeyPath() string {
	return filepath.Join(c.DataDir, "tower_id.key")
}
