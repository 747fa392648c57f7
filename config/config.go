// Package config loads the YAML description of a DMA platform: the memory,
// the controllers and their engines, and the workload to drive through them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"dario.cat/mergo"
	"go.yaml.in/yaml/v3"
)

// Engine names accepted in a controller entry.
const (
	EnginePL330   = "pl330"
	EngineSoftDMA = "softdma"
	EngineTMC     = "tmc"
)

// SoftDMA FIFO modes.
const (
	ModeTransmit = "transmit"
	ModeReceive  = "receive"
)

// Trace formats.
const (
	TraceCSV    = "csv"
	TraceSQLite = "sqlite"
)

// Config is the whole platform description.
type Config struct {
	Logging     LoggingConfig      `yaml:"logging"`
	Memory      MemoryConfig       `yaml:"memory"`
	Controllers []ControllerConfig `yaml:"controllers"`
	Monitor     MonitorConfig      `yaml:"monitor"`
	Trace       TraceConfig        `yaml:"trace"`
	Workload    WorkloadConfig     `yaml:"workload"`
}

// LoggingConfig selects the level and format of the log output.
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	TimestampFormat  string `yaml:"timestamp_format"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
}

// MemoryConfig sizes the simulated system memory. When PageSize is set,
// workload buffers are placed in a virtual address space and translated
// through a page table.
type MemoryConfig struct {
	Capacity uint64 `yaml:"capacity"`
	PageSize uint64 `yaml:"page_size"`
}

// ControllerConfig describes one DMA controller and the engine behind it.
type ControllerConfig struct {
	Name     string   `yaml:"name"`
	Engine   string   `yaml:"engine"`
	Channels int      `yaml:"channels"`
	Metadata []uint32 `yaml:"metadata"`

	// softdma
	FIFODepth int    `yaml:"fifo_depth"`
	Mode      string `yaml:"mode"`

	// tmc
	BufferSize   uint64        `yaml:"buffer_size"`
	PollRetries  int           `yaml:"poll_retries"`
	PollInterval time.Duration `yaml:"poll_interval"`

	TerminateTimeout time.Duration `yaml:"terminate_timeout"`
}

// MonitorConfig controls the HTTP monitor.
type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	Port        int  `yaml:"port"`
	OpenBrowser bool `yaml:"open_browser"`
}

// TraceConfig controls transfer tracing.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Path    string `yaml:"path"`
}

// WorkloadConfig describes the transfers issued on every controller.
type WorkloadConfig struct {
	Transfers int           `yaml:"transfers"`
	Size      uint64        `yaml:"size"`
	Depth     int           `yaml:"depth"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Default returns the configuration used for every field a file leaves
// unset.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Memory: MemoryConfig{
			Capacity: 64 << 20,
		},
		Trace: TraceConfig{
			Format: TraceCSV,
		},
		Workload: WorkloadConfig{
			Transfers: 16,
			Size:      4096,
			Depth:     4,
			Timeout:   10 * time.Second,
		},
	}
}

func defaultController(engine string) ControllerConfig {
	c := ControllerConfig{
		Channels:         1,
		TerminateTimeout: 100 * time.Millisecond,
	}

	switch engine {
	case EnginePL330:
		c.Channels = 4
	case EngineSoftDMA:
		c.FIFODepth = 16
		c.Mode = ModeTransmit
	case EngineTMC:
		c.BufferSize = 64 << 10
		c.PollRetries = 1000
		c.PollInterval = time.Microsecond
	}

	return c
}

// Load finds all yaml files within path and merges them in lexical order.
// Keys in later files override earlier ones; lists are appended.
func Load(path string) (*Config, error) {
	var files []string

	err := resolve(path, true, &files)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	sort.Strings(files)

	var m map[string]any

	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}

		var nm map[string]any
		err = yaml.Unmarshal(b, &nm)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}

		err = mergo.Merge(&nm, m, mergo.WithAppendSlice)
		m = nm
		if err != nil {
			return nil, err
		}
	}

	raw, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}

	return decode(raw)
}

// LoadString parses a single YAML document.
func LoadString(raw string) (*Config, error) {
	if raw == "" {
		return nil, errors.New("empty configuration")
	}

	return decode([]byte(raw))
}

func decode(raw []byte) (*Config, error) {
	var c Config

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	err := dec.Decode(&c)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	err = c.applyDefaults()
	if err != nil {
		return nil, err
	}

	err = c.Validate()
	if err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Config) applyDefaults() error {
	err := mergo.Merge(c, Default())
	if err != nil {
		return err
	}

	for i := range c.Controllers {
		err = mergo.Merge(&c.Controllers[i],
			defaultController(c.Controllers[i].Engine))
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate reports the first inconsistency found in the configuration.
func (c *Config) Validate() error {
	if c.Memory.PageSize != 0 &&
		c.Memory.PageSize&(c.Memory.PageSize-1) != 0 {
		return fmt.Errorf("memory.page_size %d is not a power of two",
			c.Memory.PageSize)
	}

	names := make(map[string]bool)
	for i, ctrl := range c.Controllers {
		if ctrl.Name == "" {
			return fmt.Errorf("controllers[%d]: missing name", i)
		}

		if names[ctrl.Name] {
			return fmt.Errorf("controllers[%d]: duplicate name %q",
				i, ctrl.Name)
		}
		names[ctrl.Name] = true

		err := ctrl.validate()
		if err != nil {
			return fmt.Errorf("controller %s: %w", ctrl.Name, err)
		}
	}

	switch c.Trace.Format {
	case TraceCSV, TraceSQLite:
	default:
		return fmt.Errorf("unknown trace format %q", c.Trace.Format)
	}

	if c.Workload.Transfers < 0 {
		return fmt.Errorf("workload.transfers must not be negative")
	}

	if c.Workload.Depth < 1 {
		return fmt.Errorf("workload.depth must be at least 1")
	}

	return nil
}

func (c ControllerConfig) validate() error {
	switch c.Engine {
	case EnginePL330:
		if c.Channels < 1 || c.Channels > 8 {
			return fmt.Errorf("pl330 supports 1 to 8 channels, got %d",
				c.Channels)
		}
	case EngineSoftDMA:
		if c.Channels != 1 {
			return fmt.Errorf("softdma has exactly one channel")
		}

		if c.Mode != ModeTransmit && c.Mode != ModeReceive {
			return fmt.Errorf("unknown softdma mode %q", c.Mode)
		}

		if c.FIFODepth < 1 {
			return fmt.Errorf("fifo_depth must be at least 1")
		}
	case EngineTMC:
		if c.Channels != 1 {
			return fmt.Errorf("tmc has exactly one channel")
		}

		if c.BufferSize == 0 || c.BufferSize%4 != 0 {
			return fmt.Errorf("buffer_size must be a non-zero multiple of 4")
		}
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}

	return nil
}

// direct signifies if this is the config path directly specified by the
// user, versus a file found by recursing into that path.
func resolve(path string, direct bool, files *[]string) error {
	i, err := os.Stat(path)
	if err != nil {
		if direct {
			return err
		}

		return nil
	}

	if !i.IsDir() {
		return addFile(path, direct, files)
	}

	paths, err := readDirNames(path)
	if err != nil {
		return fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	for _, p := range paths {
		err := resolve(filepath.Join(path, p), false, files)
		if err != nil {
			return err
		}
	}

	return nil
}

func addFile(path string, direct bool, files *[]string) error {
	ext := filepath.Ext(path)

	if !direct && ext != ".yaml" && ext != ".yml" {
		return nil
	}

	ap, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	*files = append(*files, ap)

	return nil
}

func readDirNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	paths, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)

	return paths, nil
}
