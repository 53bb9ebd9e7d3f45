package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/learnearn/vouchers/observability"
)

type voucherApp struct {
	baseCmd    *cobra.Command
	baseConfig *baseConfiguration
}

// New creates a new voucher daemon application. Default logger is used when "logF" is nil.
func New(logF LoggerFactory) *voucherApp {
	baseCmd, baseConfig := newBaseCmd(logF)
	return &voucherApp{baseCmd, baseConfig}
}

// Execute adds the subcommands and runs the application, observability is shut down on return.
func (a *voucherApp) Execute(ctx context.Context) (err error) {
	defer func() {
		if a.baseConfig.observe != nil {
			err = errors.Join(err, a.baseConfig.observe.Shutdown())
		}
	}()

	a.baseCmd.AddCommand(newRunCmd(a.baseConfig))
	a.baseCmd.AddCommand(newDevLedgerCmd(a.baseConfig))
	a.baseCmd.AddCommand(newKeysCmd(a.baseConfig))
	return a.baseCmd.ExecuteContext(ctx)
}

func newBaseCmd(logF LoggerFactory) (*cobra.Command, *baseConfiguration) {
	config := &baseConfiguration{loggerBuilder: logF}
	baseCmd := &cobra.Command{
		Use:           "voucherd",
		Short:         "The skill voucher daemon",
		Long:          `The voucher daemon issues, verifies and challenges skill vouchers of the account and settles reimbursement claims on the ledger.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeConfig(cmd, config); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			return nil
		},
	}
	config.addConfigurationFlags(baseCmd)

	return baseCmd, config
}

func initializeConfig(cmd *cobra.Command, config *baseConfiguration) error {
	if err := config.initializeConfig(cmd); err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}

	log, err := config.initLogger(cmd)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	metrics, err := cmd.Flags().GetString(keyMetrics)
	if err != nil {
		return fmt.Errorf("reading flag %q: %w", keyMetrics, err)
	}
	if config.observe, err = observability.New(metrics, log); err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	return nil
}

/*
initializeConfig applies values from the config file and VOUCHER_ prefixed
environment variables to the flags of "cmd" which were not set on the command
line. Environment takes precedence over the config file.
*/
func (config *baseConfiguration) initializeConfig(cmd *cobra.Command) error {
	config.initConfigFileLocation()

	v := viper.New()
	if config.configFileExists() {
		v.SetConfigFile(config.CfgFile)
		v.SetConfigType("properties")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", config.CfgFile, err)
		}
	}
	// --max-batch-size is read from VOUCHER_MAX_BATCH_SIZE
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := bindFlags(cmd, v); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var errs []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		// resolved by initConfigFileLocation
		if f.Name == keyHome || f.Name == keyConfig {
			return
		}
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := cmd.Flags().Set(f.Name, fmt.Sprint(v.Get(f.Name))); err != nil {
			errs = append(errs, fmt.Errorf("setting flag %q value: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}
