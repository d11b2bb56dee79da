// Package config loads the machine description used by cmd/mos.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/mos/internal/fsrv"
	"github.com/tinyrange/mos/internal/mmu"
)

const (
	DefaultFilename = "mos.yaml"
	DefaultMemoryMB = 16
	DefaultEnvs     = 1024
	DefaultRoot     = "."
)

// Config describes one boot of the reference kernel.
type Config struct {
	MemoryMB int    `yaml:"memoryMB,omitempty"`
	Envs     int    `yaml:"envs,omitempty"`
	Root     string `yaml:"root,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`

	// Shared regions are mapped library-shared in the root environment
	// before anything is spawned.
	Shared []Region `yaml:"shared,omitempty"`
	// Init programs are spawned at boot, in order.
	Init []Program `yaml:"init,omitempty"`
}

type Region struct {
	VA    Addr   `yaml:"va"`
	Pages int    `yaml:"pages,omitempty"`
	Fill  string `yaml:"fill,omitempty"`
}

type Program struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args,omitempty"`
}

// Argv returns the program's argument vector. Without explicit args the
// program name is passed as argv[0].
func (p Program) Argv() []string {
	if len(p.Args) == 0 {
		return []string{p.Path}
	}
	return p.Args
}

// Addr is a virtual address written in YAML as an integer in any base
// strconv accepts, usually hex.
type Addr uint32

func (a *Addr) UnmarshalYAML(node *yaml.Node) error {
	v, err := strconv.ParseUint(node.Value, 0, 32)
	if err != nil {
		return fmt.Errorf("line %d: address %q: %w", node.Line, node.Value, err)
	}
	*a = Addr(v)
	return nil
}

func (a Addr) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint32(a)), nil
}

func (c *Config) normalize() {
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.Envs == 0 {
		c.Envs = DefaultEnvs
	}
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Shared {
		if c.Shared[i].Pages == 0 {
			c.Shared[i].Pages = 1
		}
	}
}

// reserved lists the address ranges the loader writes on every spawn. A
// shared region there would be clobbered in the root or would replace the
// child's own pages when it is propagated.
var reserved = []struct {
	name       string
	start, end uint64
}{
	{"scratch page", mmu.TmpPage, mmu.TmpPageTop},
	{"program area", mmu.UText, mmu.FileBase},
	{"fd windows", mmu.FileBase, mmu.FileBase + fsrv.MaxFD*mmu.PDMap},
	{"stack page", mmu.UStackTop - mmu.PageSize, mmu.UStackTop},
}

// Validate checks the fields the kernel would otherwise reject at boot.
func (c *Config) Validate() error {
	if c.MemoryMB < 0 {
		return fmt.Errorf("memoryMB %d is negative", c.MemoryMB)
	}
	if c.Envs <= 0 || c.Envs&(c.Envs-1) != 0 {
		return fmt.Errorf("envs %d is not a power of two", c.Envs)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for i, r := range c.Shared {
		if !mmu.PageAligned(uint32(r.VA)) {
			return fmt.Errorf("shared[%d]: va %#x is not page aligned", i, uint32(r.VA))
		}
		if r.Pages < 0 {
			return fmt.Errorf("shared[%d]: pages %d is negative", i, r.Pages)
		}
		end := uint64(r.VA) + uint64(r.Pages)*mmu.PageSize
		if end > mmu.UTop {
			return fmt.Errorf("shared[%d]: region ends at %#x above UTop", i, end)
		}
		for _, res := range reserved {
			if uint64(r.VA) < res.end && end > res.start {
				return fmt.Errorf("shared[%d]: region [%#x, %#x) overlaps the %s [%#x, %#x)",
					i, uint32(r.VA), end, res.name, res.start, res.end)
			}
		}
	}
	for i, p := range c.Init {
		if p.Path == "" {
			return fmt.Errorf("init[%d]: missing path", i)
		}
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("logLevel: %w", err)
	}
	return lvl, nil
}

// MemoryBytes returns the configured physical memory size.
func (c *Config) MemoryBytes() int {
	return c.MemoryMB << 20
}

// Default returns a normalized empty configuration.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Parse decodes and normalizes a YAML document.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads path. A missing file yields the defaults when allowMissing
// is set.
func Load(path string, allowMissing bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if allowMissing && os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Write stores cfg as YAML at path.
func Write(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
