package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/ainvaltin/httpsrv"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/learnearn/vouchers/api"
	"github.com/learnearn/vouchers/broker"
	"github.com/learnearn/vouchers/expiry"
	"github.com/learnearn/vouchers/keyvaluedb/boltdb"
	"github.com/learnearn/vouchers/ledger/rest"
	"github.com/learnearn/vouchers/logger"
	"github.com/learnearn/vouchers/nonce"
	"github.com/learnearn/vouchers/reimbursement"
	"github.com/learnearn/vouchers/store"
	"github.com/learnearn/vouchers/types"
	"github.com/learnearn/vouchers/voucher"
	"github.com/learnearn/vouchers/wire"
)

const (
	nonceStoreFileName = "nonces.db"

	claimOrderAscending  = "asc"
	claimOrderDescending = "desc"
)

type runConfig struct {
	Base *baseConfiguration
	Keys *keysConfig

	LedgerUrl  string
	GenesisID  string
	ServerAddr string
	DbFile     string
	NonceDb    string

	BlockTime          time.Duration
	StakeValidity      time.Duration
	UsageRightValidity time.Duration

	MaxBatchSize   int
	MinReserve     string
	OwnMinReserve  string
	SubmitTimeout  time.Duration
	ClaimOrder     string
	ExpireInterval time.Duration
}

func newRunCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &runConfig{Base: baseConfig, Keys: newKeysConf(baseConfig)}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts the voucher daemon",
		Long:  "Starts the voucher daemon of the account: REST API for the vouchers and reimbursement scheduler settling failed reexaminations on the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVoucherd(cmd.Context(), config)
		},
	}
	config.Keys.addCmdFlags(cmd)
	cmd.Flags().StringVarP(&config.LedgerUrl, "ledger-url", "u", "localhost:9700", "ledger gateway url")
	cmd.Flags().StringVar(&config.GenesisID, "genesis-id", "", "genesis block hash of the ledger (hex), vouchers are bound to it")
	cmd.Flags().StringVarP(&config.ServerAddr, "server-address", "s", "localhost:9654", "REST API server address")
	cmd.Flags().StringVar(&config.DbFile, "db", "", fmt.Sprintf("path to the voucher database (default %s)", filepath.Join("$VOUCHER_HOME", store.BoltStoreFileName)))
	cmd.Flags().StringVar(&config.NonceDb, "nonce-db", "", fmt.Sprintf("path to the sequence number database (default %s)", filepath.Join("$VOUCHER_HOME", nonceStoreFileName)))

	cmd.Flags().DurationVar(&config.BlockTime, "block-time", 6*time.Second, "expected block time of the ledger")
	cmd.Flags().DurationVar(&config.StakeValidity, "stake-validity", voucher.DefaultStakeValidity, "for how long the stake of the issued diploma remains claimable")
	cmd.Flags().DurationVar(&config.UsageRightValidity, "usage-right-validity", voucher.DefaultUsageRightValidity, "default challenge window of the derived usage right")

	cmd.Flags().IntVar(&config.MaxBatchSize, "max-batch-size", reimbursement.DefaultMaxBatchSize, "maximum number of claims in single reimbursement batch")
	cmd.Flags().StringVar(&config.MinReserve, "min-reserve", "0", "balance the referee must keep after the claims of the batch are paid")
	cmd.Flags().StringVar(&config.OwnMinReserve, "own-min-reserve", "0", "batches are not submitted while the balance of the account is below it")
	cmd.Flags().DurationVar(&config.SubmitTimeout, "submit-timeout", reimbursement.DefaultSubmitTimeout, "how long to wait for the status of the submitted batch")
	cmd.Flags().StringVar(&config.ClaimOrder, "claim-order", claimOrderAscending, "order of the claims of the referee by stake, one of: asc, desc")
	cmd.Flags().DurationVar(&config.ExpireInterval, "expire-interval", time.Minute, "how often claims with closed challenge window are dropped")
	return cmd
}

func (c *runConfig) schedulerConfig() (reimbursement.Config, error) {
	cfg := reimbursement.Config{
		MaxBatchSize:  c.MaxBatchSize,
		SubmitTimeout: c.SubmitTimeout,
	}
	var err error
	if cfg.MinReserve, err = parseAmountFlag("min-reserve", c.MinReserve); err != nil {
		return cfg, err
	}
	if cfg.OwnMinReserve, err = parseAmountFlag("own-min-reserve", c.OwnMinReserve); err != nil {
		return cfg, err
	}
	switch c.ClaimOrder {
	case claimOrderAscending:
		cfg.Comparator = reimbursement.ByStakeAscending
	case claimOrderDescending:
		cfg.Comparator = reimbursement.ByStakeDescending
	default:
		return cfg, fmt.Errorf("unsupported claim order %q", c.ClaimOrder)
	}
	return cfg, nil
}

func (c *runConfig) genesisID() (types.GenesisID, error) {
	b, err := hexutil.Decode(c.GenesisID)
	if err != nil {
		return nil, fmt.Errorf("invalid genesis-id: %w", err)
	}
	genesis := types.GenesisID(b)
	if err := genesis.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid genesis-id: %w", err)
	}
	return genesis, nil
}

func runVoucherd(ctx context.Context, config *runConfig) error {
	obs := config.Base.observe
	log := obs.Logger()

	schedCfg, err := config.schedulerConfig()
	if err != nil {
		return err
	}
	genesis, err := config.genesisID()
	if err != nil {
		return err
	}
	account, err := config.Keys.load()
	if err != nil {
		return fmt.Errorf("loading account key: %w", err)
	}

	dbFile, err := config.Base.pathInHome(config.DbFile, store.BoltStoreFileName)
	if err != nil {
		return err
	}
	vouchers, err := store.NewBoltStore(dbFile)
	if err != nil {
		return fmt.Errorf("opening voucher store: %w", err)
	}
	defer vouchers.Close()

	nonceFile, err := config.Base.pathInHome(config.NonceDb, nonceStoreFileName)
	if err != nil {
		return err
	}
	nonceDB, err := boltdb.New(nonceFile)
	if err != nil {
		return fmt.Errorf("opening sequence number store: %w", err)
	}
	defer nonceDB.Close()
	nonces, err := nonce.NewRegistry(nonceDB, log)
	if err != nil {
		return err
	}

	client, err := rest.New(config.LedgerUrl, log)
	if err != nil {
		return err
	}
	estimator, err := expiry.NewEstimator(client, config.BlockTime)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	events := broker.NewBroker(ctx.Done())

	scheduler, err := reimbursement.NewScheduler(schedCfg, account, client, vouchers, events, obs)
	if err != nil {
		return fmt.Errorf("creating reimbursement scheduler: %w", err)
	}
	session, err := voucher.NewSession(account, genesis)
	if err != nil {
		return err
	}
	lifecycle, err := voucher.New(session, voucher.Config{StakeValidity: config.StakeValidity, UsageRightValidity: config.UsageRightValidity}, vouchers, nonces, estimator, scheduler, log)
	if err != nil {
		return fmt.Errorf("creating voucher lifecycle: %w", err)
	}
	restAPI, err := api.New(lifecycle, vouchers, vouchers, events, obs.MetricsHandler(), log)
	if err != nil {
		return fmt.Errorf("creating REST API: %w", err)
	}

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting reimbursement scheduler: %w", err)
	}
	defer scheduler.Close()
	log.InfoContext(ctx, fmt.Sprintf("voucher daemon of %s started, ledger %s", types.PubKey(account.PublicKey()), config.LedgerUrl))

	g.Go(func() error {
		log.InfoContext(ctx, "REST API server starting on "+config.ServerAddr)
		return httpsrv.Run(ctx, http.Server{
			Addr:              config.ServerAddr,
			Handler:           restAPI.Router(),
			ReadTimeout:       3 * time.Second,
			ReadHeaderTimeout: time.Second,
			// event streams are long lived
			WriteTimeout: 0,
			IdleTimeout:  30 * time.Second,
		}, httpsrv.ShutdownTimeout(5*time.Second))
	})

	g.Go(func() error {
		return expireClaims(ctx, scheduler, config.ExpireInterval, log)
	})

	return g.Wait()
}

type claimExpirer interface {
	Expire(ctx context.Context) (int, error)
}

/*
expireClaims drops claims whose challenge window has closed every "interval"
until ctx is cancelled. Errors are logged, the next tick retries.
*/
func expireClaims(ctx context.Context, s claimExpirer, interval time.Duration, log *slog.Logger) error {
	if interval <= 0 {
		return fmt.Errorf("expire interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.Expire(ctx)
			if err != nil {
				log.WarnContext(ctx, "dropping expired claims", logger.Error(err))
				continue
			}
			if n > 0 {
				log.InfoContext(ctx, fmt.Sprintf("dropped %d expired claims", n))
			}
		}
	}
}

func parseAmountFlag(name, value string) (*uint256.Int, error) {
	v, err := wire.ParseAmount(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
