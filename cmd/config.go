package main

import "atom"
import "fmt"
import "os"
import "strings"

import "github.com/goccy/go-yaml"

type AppConfig struct {
	LogMask       []string `yaml:"log-mask"`
	LogFile       string   `yaml:"log-file"`
	LogMaxSize    int64    `yaml:"log-max-size"`
	LogRotate     int      `yaml:"log-rotate"`
}

type BenchConfig struct {
	Backend       string   `yaml:"backend"`
	Mode          string   `yaml:"mode"`
	Workers       int      `yaml:"workers"`
	Iterations    int      `yaml:"iterations"`
	Initial       int64    `yaml:"initial"`
	SharedFile    string   `yaml:"shared-file"`
}

type MetricsConfig struct {
	ListenOn      []string `yaml:"listen-on"`
	MaxConns      int      `yaml:"max-conns"`
}

type Config struct {
	APP     AppConfig     `yaml:"app"`
	Bench   BenchConfig   `yaml:"bench"`
	Metrics MetricsConfig `yaml:"metrics"`
}

func default_config() *Config {
	var cfg Config
	cfg.APP.LogMask = []string{"info", "warn", "error"}
	cfg.Bench.Backend = atom.BENCH_BACKEND_WORD
	cfg.Bench.Mode = atom.BENCH_MODE_UPDATE
	cfg.Bench.Workers = 2
	cfg.Bench.Iterations = 1000
	cfg.Bench.Initial = 1000
	cfg.Metrics.MaxConns = 16
	return &cfg
}

// LoadConfig reads cfgfile over the default configuration.
// values missing in the file keep their defaults.
func LoadConfig(cfgfile string) (*Config, error) {
	var cfg *Config
	var f *os.File
	var yd *yaml.Decoder
	var err error

	cfg = default_config()

	f, err = os.Open(cfgfile)
	if err != nil { return nil, err }

	yd = yaml.NewDecoder(f)
	err = yd.Decode(cfg)
	f.Close()
	if err != nil { return nil, fmt.Errorf("%s - %w", cfgfile, err) }

	return cfg, nil
}

func log_strings_to_mask(str []string) (atom.LogMask, error) {
	var mask atom.LogMask
	var name string

	if len(str) <= 0 { return atom.LOG_ALL, nil }

	mask = atom.LOG_NONE
	for _, name = range str {
		switch strings.ToLower(strings.TrimSpace(name)) {
			case "all":
				mask = atom.LOG_ALL
			case "none":
				mask = atom.LOG_NONE
			case "debug":
				mask |= atom.LogMask(atom.LOG_DEBUG)
			case "info":
				mask |= atom.LogMask(atom.LOG_INFO)
			case "warn", "warning":
				mask |= atom.LogMask(atom.LOG_WARN)
			case "error":
				mask |= atom.LogMask(atom.LOG_ERROR)
			default:
				return atom.LOG_NONE, fmt.Errorf("unknown log level %q", name)
		}
	}

	return mask, nil
}

func (cfg *BenchConfig) ToBenchConfig() *atom.BenchConfig {
	return &atom.BenchConfig{
		Backend: cfg.Backend,
		Mode: cfg.Mode,
		Workers: cfg.Workers,
		Iterations: cfg.Iterations,
		Initial: cfg.Initial,
		SharedFile: cfg.SharedFile,
	}
}
