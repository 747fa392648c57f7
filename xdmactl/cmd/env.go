package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sarchlab/xdma/config"
)

// Environment variables that override the configuration files.
const (
	envLogLevel    = "XDMA_LOG_LEVEL"
	envMonitorPort = "XDMA_MONITOR_PORT"
	envTrace       = "XDMA_TRACE"
	envTraceFormat = "XDMA_TRACE_FORMAT"
	envTracePath   = "XDMA_TRACE_PATH"
)

// loadConfig reads the .env file, the configuration files and the
// environment overrides, and sets up a logger from the result.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	envFile, _ := cmd.Flags().GetString("env")
	if envFile != "" {
		err := godotenv.Load(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	err = applyEnv(cfg)
	if err != nil {
		return nil, nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, nil, err
	}

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())

	err = config.ConfigureLogger(logger, cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	return cfg, logger, nil
}

func applyEnv(cfg *config.Config) error {
	if v, ok := os.LookupEnv(envLogLevel); ok {
		cfg.Logging.Level = v
	}

	if v, ok := os.LookupEnv(envMonitorPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envMonitorPort, err)
		}

		cfg.Monitor.Enabled = true
		cfg.Monitor.Port = port
	}

	if v, ok := os.LookupEnv(envTrace); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envTrace, err)
		}

		cfg.Trace.Enabled = enabled
	}

	if v, ok := os.LookupEnv(envTraceFormat); ok {
		cfg.Trace.Format = v
	}

	if v, ok := os.LookupEnv(envTracePath); ok {
		cfg.Trace.Path = v
	}

	return nil
}
