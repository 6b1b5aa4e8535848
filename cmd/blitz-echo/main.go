// Command blitz-echo is a minimal demonstration of the embedding API: it
// echoes back whatever a client sends, then closes the connection.
package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/blitzio/blitzio"
)

// Config is the YAML-loadable configuration for blitz-echo, overridable
// by the equivalent command-line flags.
type Config struct {
	Port        int               `yaml:"port"`
	Backlog     int               `yaml:"backlog"`
	Workers     int               `yaml:"workers"`
	MaxIOSize   datasize.ByteSize `yaml:"max_io_size"`
	IdleTimeout time.Duration     `yaml:"idle_timeout"`
	TickPeriod  time.Duration     `yaml:"tick_period"`
}

// DefaultConfig returns blitz-echo's defaults, matching blitzio.DefaultParams.
func DefaultConfig() *Config {
	p := blitzio.DefaultParams()
	return &Config{
		Port:        9000,
		Backlog:     p.Backlog,
		Workers:     p.WorkerCount,
		MaxIOSize:   datasize.ByteSize(blitzio.DefaultMaxIOSize),
		IdleTimeout: p.IdleTimeout,
		TickPeriod:  p.TickPeriod,
	}
}

// LoadConfig reads and parses a YAML config file, falling back to
// DefaultConfig for every field the file doesn't set.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

var cmdArgs struct {
	ConfigPath string
	Port       int
	Workers    int
	Backlog    int
}

var rootCmd = &cobra.Command{
	Use:   "blitz-echo",
	Short: "Echo server built on the blitzio TCP engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmdArgs.ConfigPath, "config", "c", "", "path to a YAML config file")
	rootCmd.Flags().IntVarP(&cmdArgs.Port, "port", "p", 0, "listen port (overrides config)")
	rootCmd.Flags().IntVarP(&cmdArgs.Workers, "workers", "w", 0, "worker count (overrides config)")
	rootCmd.Flags().IntVar(&cmdArgs.Backlog, "backlog", 0, "accept backlog (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig(cmdArgs.ConfigPath)
	if err != nil {
		return err
	}
	if cmdArgs.Port != 0 {
		cfg.Port = cmdArgs.Port
	}
	if cmdArgs.Workers != 0 {
		cfg.Workers = cmdArgs.Workers
	}
	if cmdArgs.Backlog != 0 {
		cfg.Backlog = cmdArgs.Backlog
	}

	params := blitzio.DefaultParams()
	params.Port = cfg.Port
	params.Backlog = cfg.Backlog
	params.WorkerCount = cfg.Workers
	params.IdleTimeout = cfg.IdleTimeout
	params.TickPeriod = cfg.TickPeriod

	server, err := blitzio.NewServer(cfg.Workers, cfg.Port, cfg.Backlog, blitzio.WithParams(params))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	server.SetReadCallback(func(c *blitzio.Connection) {
		buf := make([]byte, cfg.MaxIOSize.Bytes())
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		c.Write(buf[:n])
	})
	server.SetWriteCallback(func(c *blitzio.Connection) {
		c.Close()
	})
	server.SetSignalCallback(int(syscall.SIGINT), func(int) { server.Stop() })
	server.SetSignalCallback(int(syscall.SIGTERM), func(int) { server.Stop() })

	fmt.Printf("blitz-echo listening on :%d with %d worker(s)\n", cfg.Port, cfg.Workers)
	return server.Run()
}
