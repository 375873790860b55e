// Package config parses the flat configuration record from spec.md §6:
// the options a caller can set on a fresh Context before its first
// connection opens, after which rdma_buf_attr_rdonly latches them.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	defaultEnableMemPool    = true
	defaultEnableDMALatency = false
	defaultRdmaBufThreshold = 16384 // SEND_BUF_SZ
	minRdmaBufThreshold     = 1024
	maxRdmaBufThreshold     = 65536
	defaultIovsz            = 4 // XIO_IOVLEN
	defaultLogLevel         = "info"
)

// ErrReadOnly is returned by the Set* methods once Latch has been
// called (spec.md §6's rdma_buf_attr_rdonly: "once set, options become
// read-only").
var ErrReadOnly = errors.New("config: options are read-only after first open")

// Config is the flat option record from spec.md §6, plus the ambient
// log level every component threads through from xioctx.Context.
type Config struct {
	EnableMemPool    bool
	EnableDMALatency bool
	RdmaBufThreshold int
	MaxInIovsz       int
	MaxOutIovsz      int
	LogLevel         slog.Level

	rdonly bool
}

// Parse constructs a Config from command-line flags and environment
// variables, in the same flag.FlagSet + env-fallback style used
// throughout this pack.
func Parse(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("xio-rdma-core", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	enableMemPool := fs.Bool("enable-mem-pool", envOrDefaultBool("XIO_RDMA_ENABLE_MEM_POOL", defaultEnableMemPool), "Bind an explicit mempool to new Contexts.")
	enableDMALatency := fs.Bool("enable-dma-latency", envOrDefaultBool("XIO_RDMA_ENABLE_DMA_LATENCY", defaultEnableDMALatency), "Reserved; no in-core effect.")
	rdmaBufThreshold := fs.Int("rdma-buf-threshold", envOrDefaultInt("XIO_RDMA_BUF_THRESHOLD", defaultRdmaBufThreshold), "Size boundary between inline and RDMA-transferred messages (1024-65536).")
	maxInIovsz := fs.Int("max-in-iovsz", envOrDefaultInt("XIO_RDMA_MAX_IN_IOVSZ", defaultIovsz), "Upper bound on receive scatter-gather-entry count.")
	maxOutIovsz := fs.Int("max-out-iovsz", envOrDefaultInt("XIO_RDMA_MAX_OUT_IOVSZ", defaultIovsz), "Upper bound on send scatter-gather-entry count.")
	logLevel := fs.String("log-level", envOrDefault("XIO_RDMA_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	if *rdmaBufThreshold < minRdmaBufThreshold || *rdmaBufThreshold > maxRdmaBufThreshold {
		return cfg, fmt.Errorf("rdma-buf-threshold %d out of range [%d, %d]", *rdmaBufThreshold, minRdmaBufThreshold, maxRdmaBufThreshold)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return cfg, err
	}

	cfg = Config{
		EnableMemPool:    *enableMemPool,
		EnableDMALatency: *enableDMALatency,
		RdmaBufThreshold: *rdmaBufThreshold,
		MaxInIovsz:       *maxInIovsz,
		MaxOutIovsz:      *maxOutIovsz,
		LogLevel:         level,
	}
	return cfg, nil
}

// Latch freezes the mutable fields, matching rdma_buf_attr_rdonly
// flipping from 0 to 1 on a Context's first open (spec.md §6).
func (c *Config) Latch() { c.rdonly = true }

// ReadOnly reports the current value of rdma_buf_attr_rdonly.
func (c *Config) ReadOnly() bool { return c.rdonly }

// SetRdmaBufThreshold updates the inline/RDMA size boundary, rejecting
// both out-of-range values and any change after Latch.
func (c *Config) SetRdmaBufThreshold(v int) error {
	if c.rdonly {
		return ErrReadOnly
	}
	if v < minRdmaBufThreshold || v > maxRdmaBufThreshold {
		return fmt.Errorf("rdma-buf-threshold %d out of range [%d, %d]", v, minRdmaBufThreshold, maxRdmaBufThreshold)
	}
	c.RdmaBufThreshold = v
	return nil
}

// SetMaxInIovsz updates max_in_iovsz, rejecting any change after Latch.
func (c *Config) SetMaxInIovsz(v int) error {
	if c.rdonly {
		return ErrReadOnly
	}
	c.MaxInIovsz = v
	return nil
}

// SetMaxOutIovsz updates max_out_iovsz, rejecting any change after Latch.
func (c *Config) SetMaxOutIovsz(v int) error {
	if c.rdonly {
		return ErrReadOnly
	}
	c.MaxOutIovsz = v
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
}
