package server

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/janelia-flyem/remotetiles/decode"
	"github.com/janelia-flyem/remotetiles/imageserver"
	"github.com/janelia-flyem/remotetiles/pix"
	"github.com/janelia-flyem/remotetiles/pixelstore"
	"github.com/janelia-flyem/remotetiles/rpc"
)

const (
	// DefaultWebAddress is the default URL of the tile web server
	DefaultWebAddress = "localhost:8000"

	// DefaultWorkers is the number of confined workers serving HTTP tile requests.
	DefaultWorkers = 16
)

// Config is the parsed TOML configuration.
type Config struct {
	Server  serverConfig
	Remote  remoteConfig
	Pool    poolConfig
	Cache   cacheConfig
	Decode  decodeConfig
	Logging pix.LogConfig
}

type serverConfig struct {
	HTTPAddress   string   `toml:"httpAddress"`
	Workers       int      `toml:"workers"`
	ShutdownDelay int      `toml:"shutdown_delay"` // seconds
	CorsDomains   []string `toml:"cors_domains"`
	Note          string
}

type remoteConfig struct {
	RPCAddress       string `toml:"rpcAddress"`
	LevelOrder       string `toml:"level_order"`
	CallTimeoutMs    int    `toml:"call_timeout_ms"`
	FetchTimeoutMs   int    `toml:"fetch_timeout_ms"`
	MinServerVersion string `toml:"min_server_version"`
}

type poolConfig struct {
	MaxPrimary       int `toml:"max_primary"`
	ReapIntervalSecs int `toml:"reap_interval_secs"`
	IdleSecs         int `toml:"idle_secs"`
}

type cacheConfig struct {
	Megabytes  int
	ExpireSecs int `toml:"expire_secs"`
}

type decodeConfig struct {
	ClipFloats bool `toml:"clip_floats"`
	Min        float64
	Max        float64
}

// DefaultConfig returns the settings used for anything a TOML file leaves out.
func DefaultConfig() *Config {
	return &Config{
		Server: serverConfig{
			HTTPAddress:   DefaultWebAddress,
			Workers:       DefaultWorkers,
			ShutdownDelay: 5,
		},
		Remote: remoteConfig{
			RPCAddress:     rpc.DefaultAddress,
			LevelOrder:     pix.AutoOrder.String(),
			CallTimeoutMs:  30000,
			FetchTimeoutMs: 60000,
		},
		Pool: poolConfig{
			MaxPrimary:       pixelstore.DefaultMaxPrimary,
			ReapIntervalSecs: 30,
			IdleSecs:         600,
		},
		Cache: cacheConfig{
			Megabytes: 256,
		},
	}
}

// LoadConfig loads server configuration from a TOML file.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no server TOML configuration file provided")
	}
	c := DefaultConfig()
	if _, err := toml.DecodeFile(filename, c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	pix.Debugf("tomlConfig: %v\n", *c)
	return c, nil
}

// Some settings in the TOML can be given as relative paths.  This function converts them
// in-place to absolute paths, assuming the given paths were relative to the TOML file's
// own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	// [logging].logfile
	if c.Logging.Logfile != "" && !filepath.IsAbs(c.Logging.Logfile) {
		abs, err := filepath.Abs(filepath.Join(filepath.Dir(configPath), c.Logging.Logfile))
		if err != nil {
			return fmt.Errorf("error converting logfile setting to absolute path: %v", err)
		}
		c.Logging.Logfile = abs
	}
	return nil
}

// Validate checks settings that can't be caught by TOML decoding.
func (c *Config) Validate() error {
	if _, err := pix.ParseLevelOrder(c.Remote.LevelOrder); err != nil {
		return fmt.Errorf("[remote] level_order: %v", err)
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("[server] workers must be positive, got %d", c.Server.Workers)
	}
	if c.Decode.ClipFloats && c.Decode.Min > c.Decode.Max {
		return fmt.Errorf("[decode] min %g exceeds max %g", c.Decode.Min, c.Decode.Max)
	}
	return nil
}

// SetAddresses overrides configured addresses from the command line.  Empty strings
// leave the setting unchanged.
func (c *Config) SetAddresses(httpAddress, rpcAddress string) {
	if httpAddress != "" {
		c.Server.HTTPAddress = httpAddress
	}
	if rpcAddress != "" {
		c.Remote.RPCAddress = rpcAddress
	}
}

// Connector returns a connector onto the configured pixel store.
func (c *Config) Connector() pixelstore.Connector {
	return rpc.Connector{
		Addr:       c.Remote.RPCAddress,
		Timeout:    time.Duration(c.Remote.CallTimeoutMs) * time.Millisecond,
		MinVersion: c.Remote.MinServerVersion,
	}
}

// ImageServerConfig returns the facade settings.
func (c *Config) ImageServerConfig() imageserver.Config {
	order, err := pix.ParseLevelOrder(c.Remote.LevelOrder)
	if err != nil {
		pix.Warningf("bad level order %q, detecting from level sizes\n", c.Remote.LevelOrder)
	}
	return imageserver.Config{
		LevelOrder:   order,
		FetchTimeout: time.Duration(c.Remote.FetchTimeoutMs) * time.Millisecond,
		Decode: decode.Options{
			ClipFloats: c.Decode.ClipFloats,
			Min:        c.Decode.Min,
			Max:        c.Decode.Max,
		},
		Pool: pixelstore.Config{
			MaxPrimary:   c.Pool.MaxPrimary,
			ReapInterval: time.Duration(c.Pool.ReapIntervalSecs) * time.Second,
			MaxIdle:      time.Duration(c.Pool.IdleSecs) * time.Second,
		},
	}
}
