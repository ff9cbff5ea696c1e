package launcher

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/influxdata/agency/bolt"
	"github.com/influxdata/agency/compaction"
	"github.com/influxdata/agency/logger"
	"github.com/influxdata/agency/raft"
	"github.com/influxdata/agency/revtree"
	"github.com/influxdata/agency/verifier"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultBindAddress is the address of the HTTP API.
const DefaultBindAddress = ":8529"

// Config is the configuration of agencyd.
type Config struct {
	BindAddress string `toml:"bind-address"`

	Logging    logger.Config     `toml:"logging"`
	Bolt       bolt.Config       `toml:"bolt"`
	Raft       raft.Config       `toml:"raft"`
	Compaction compaction.Config `toml:"compaction"`
	RevTree    revtree.Config    `toml:"revtree"`
	Verifier   verifier.Config   `toml:"verifier"`
}

// NewConfig returns a config for a single node cluster storing its data
// in ~/.agency.
func NewConfig() *Config {
	c := &Config{
		BindAddress: DefaultBindAddress,
		Logging:     logger.NewConfig(),
		Bolt:        bolt.NewConfig(),
		Raft:        raft.NewConfig(),
		Compaction:  compaction.NewConfig(),
		RevTree:     revtree.NewConfig(),
		Verifier:    verifier.NewConfig(),
	}
	c.Raft.ID = 1
	if dir, err := agencyDir(); err == nil {
		c.Bolt.Path = filepath.Join(dir, "agency.bolt")
	}
	return c
}

func agencyDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".agency"), nil
}

// FromTomlFile loads the config from a file. A leading byte order mark is
// ignored.
func (c *Config) FromTomlFile(fpath string) error {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return err
	}

	bom := unicode.BOMOverride(transform.Nop)
	bs, _, err = transform.Bytes(bom, bs)
	if err != nil {
		return err
	}
	return c.FromToml(string(bs))
}

// FromToml loads the config from toml text.
func (c *Config) FromToml(input string) error {
	md, err := toml.Decode(input, c)
	if err != nil {
		return err
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		return fmt.Errorf("unknown config keys: %v", keys)
	}
	return nil
}

// Validate returns an error if any section is invalid.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Bolt.Path == "" {
		return fmt.Errorf("bolt: path is required")
	}
	if err := c.Raft.Validate(); err != nil {
		return fmt.Errorf("raft: %w", err)
	}
	if err := c.Compaction.Validate(); err != nil {
		return fmt.Errorf("compaction: %w", err)
	}
	if err := c.RevTree.Validate(); err != nil {
		return fmt.Errorf("revtree: %w", err)
	}
	if err := c.Verifier.Validate(); err != nil {
		return fmt.Errorf("verifier: %w", err)
	}
	return nil
}
