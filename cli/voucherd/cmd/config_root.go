package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/learnearn/vouchers/logger"
	"github.com/learnearn/vouchers/observability"
)

type (
	LoggerFactory func(cfg *logger.LogConfiguration) (*slog.Logger, error)

	baseConfiguration struct {
		HomeDir string
		// relative paths are resolved against HomeDir
		CfgFile    string
		LogCfgFile string

		loggerBuilder LoggerFactory
		observe       *observability.Observability
	}
)

const (
	envPrefix               = "VOUCHER"
	defaultConfigFile       = "config.props"
	defaultVoucherDir       = ".vouchers"
	defaultLoggerConfigFile = "logger-config.yaml"

	keyHome    = "home"
	keyConfig  = "config"
	keyMetrics = "metrics"

	flagNameLoggerCfgFile = "logger-config"
	flagNameLogOutputFile = "log-file"
	flagNameLogLevel      = "log-level"
	flagNameLogFormat     = "log-format"
)

func (r *baseConfiguration) addConfigurationFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&r.HomeDir, keyHome, "", fmt.Sprintf("set the VOUCHER_HOME for this invocation (default is %s)", voucherHomeDir()))
	cmd.PersistentFlags().StringVar(&r.CfgFile, keyConfig, "", fmt.Sprintf("config file URL (default is $VOUCHER_HOME/%s)", defaultConfigFile))

	cmd.PersistentFlags().String(keyMetrics, "", "metrics exporter, disabled when not set. One of: stdout, prometheus")

	cmd.PersistentFlags().StringVar(&r.LogCfgFile, flagNameLoggerCfgFile, defaultLoggerConfigFile, "logger config file URL. Considered absolute if starts with '/'. Otherwise relative from $VOUCHER_HOME.")
	// no defaults, unset flag means the value comes from the logger config file
	cmd.PersistentFlags().String(flagNameLogOutputFile, "", "log file path or one of the special values: stdout, stderr, discard")
	cmd.PersistentFlags().String(flagNameLogLevel, "", "logging level, one of: DEBUG, INFO, WARN, ERROR")
	cmd.PersistentFlags().String(flagNameLogFormat, "", "log format, one of: text, json, console, ecs")
}

/*
initConfigFileLocation resolves home directory and config file, these are
needed before the rest of the configuration can be loaded. Flag takes
precedence over environment, default is used when neither is set.
*/
func (r *baseConfiguration) initConfigFileLocation() {
	r.HomeDir = firstNonEmpty(r.HomeDir, os.Getenv(envKey(keyHome)), voucherHomeDir())
	r.CfgFile = firstNonEmpty(r.CfgFile, os.Getenv(envKey(keyConfig)), defaultConfigFile)
	if !filepath.IsAbs(r.CfgFile) {
		r.CfgFile = filepath.Join(r.HomeDir, r.CfgFile)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

/*
LoggerCfgFilename always returns non-empty filename - either the value
of the flag set by user or default cfg location.
*/
func (r *baseConfiguration) LoggerCfgFilename() string {
	if !filepath.IsAbs(r.LogCfgFile) {
		return filepath.Join(r.HomeDir, r.LogCfgFile)
	}
	return r.LogCfgFile
}

func (r *baseConfiguration) configFileExists() bool {
	_, err := os.Stat(r.CfgFile)
	return err == nil
}

// pathInHome returns "file" when it is set, otherwise "name" in the home directory.
func (r *baseConfiguration) pathInHome(file, name string) (string, error) {
	if file != "" {
		return file, nil
	}
	if err := os.MkdirAll(r.HomeDir, 0700); err != nil {
		return "", fmt.Errorf("creating home directory: %w", err)
	}
	return filepath.Join(r.HomeDir, name), nil
}

// initLogger builds logger from the logger configuration file and the log flags of "cmd".
func (r *baseConfiguration) initLogger(cmd *cobra.Command) (*slog.Logger, error) {
	cfg := &logger.LogConfiguration{}

	// missing file is fine only when it is the default one
	loggerCfgFile := filepath.Clean(r.LoggerCfgFilename())
	if f, err := os.Open(loggerCfgFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) || loggerCfgFile != filepath.Join(r.HomeDir, defaultLoggerConfigFile) {
			return nil, fmt.Errorf("opening logger configuration file: %w", err)
		}
	} else {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decoding logger configuration (%s): %w", loggerCfgFile, err)
		}
	}

	// flags without default value override the file
	for name, value := range map[string]*string{
		flagNameLogLevel:      &cfg.Level,
		flagNameLogFormat:     &cfg.Format,
		flagNameLogOutputFile: &cfg.OutputPath,
	} {
		if !cmd.Flags().Changed(name) {
			continue
		}
		v, err := cmd.Flags().GetString(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s flag: %w", name, err)
		}
		*value = v
	}

	builder := r.loggerBuilder
	if builder == nil {
		builder = logger.New
	}
	l, err := builder(cfg)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l, nil
}

func envKey(key string) string {
	return strings.ToUpper(envPrefix + "_" + key)
}

func voucherHomeDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		panic("default user home dir not defined: " + err.Error())
	}
	return filepath.Join(dir, defaultVoucherDir)
}
