// Command blitz-httpd answers every request with a fixed HTTP/1.0
// response once it has observed a blank line, demonstrating a
// byte-at-a-time read callback built on the embedding API.
package main

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/blitzio/blitzio"
)

const fixedResponse = "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nblitz"

// Config is the YAML-loadable configuration for blitz-httpd, overridable
// by the equivalent command-line flags.
type Config struct {
	Port        int           `yaml:"port"`
	Backlog     int           `yaml:"backlog"`
	Workers     int           `yaml:"workers"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	TickPeriod  time.Duration `yaml:"tick_period"`
}

// DefaultConfig returns blitz-httpd's defaults, matching blitzio.DefaultParams.
func DefaultConfig() *Config {
	p := blitzio.DefaultParams()
	return &Config{
		Port:        8080,
		Backlog:     p.Backlog,
		Workers:     p.WorkerCount,
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
}

var rootCmd = &cobra.Command{
	Use:   "blitz-httpd",
	Short: "Minimal HTTP/1.0 responder built on the blitzio TCP engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmdArgs.ConfigPath, "config", "c", "", "path to a YAML config file")
	rootCmd.Flags().IntVarP(&cmdArgs.Port, "port", "p", 0, "listen port (overrides config)")
	rootCmd.Flags().IntVarP(&cmdArgs.Workers, "workers", "w", 0, "worker count (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// requestScanners tracks, per connection ID, how far into the \r\n\r\n
// terminator sequence a connection's bytes have progressed. Read callbacks
// run on whichever worker owns the connection, so access is guarded by a
// mutex rather than assuming a single callback goroutine.
var (
	scannerMu       sync.Mutex
	requestScanners = map[string]int{}
)

// scanForBlankLine advances state for one byte of an HTTP request line,
// returning state+1 for a \r or \n byte and 0 for any other byte. A state
// of 4 or more means a run of four CR/LF bytes, such as \r\n\r\n, has been
// observed.
func scanForBlankLine(state int, b byte) int {
	switch {
	case b == '\r' || b == '\n':
		return state + 1
	default:
		return 0
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
		buf := make([]byte, 512)
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		scannerMu.Lock()
		state := requestScanners[c.ID()]
		for i := 0; i < n; i++ {
			state = scanForBlankLine(state, buf[i])
		}
		if state >= 4 {
			delete(requestScanners, c.ID())
			scannerMu.Unlock()
			c.Write([]byte(fixedResponse))
			return
		}
		requestScanners[c.ID()] = state
		scannerMu.Unlock()
	})
	server.SetWriteCallback(func(c *blitzio.Connection) {
		c.Close()
	})
	server.SetErrorCallback(func(c *blitzio.Connection, err error) {
		scannerMu.Lock()
		delete(requestScanners, c.ID())
		scannerMu.Unlock()
	})
	server.SetSignalCallback(int(syscall.SIGINT), func(int) { server.Stop() })
	server.SetSignalCallback(int(syscall.SIGTERM), func(int) { server.Stop() })

	fmt.Printf("blitz-httpd listening on :%d with %d worker(s)\n", cfg.Port, cfg.Workers)
	return server.Run()
}
