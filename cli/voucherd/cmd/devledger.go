package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ainvaltin/httpsrv"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/learnearn/vouchers/ledger/memledger"
	"github.com/learnearn/vouchers/ledger/rest"
	"github.com/learnearn/vouchers/types"
)

type devLedgerConfig struct {
	Base *baseConfiguration

	ServerAddr string
	GenesisID  string
	BlockTime  time.Duration
	Fee        uint64
	Balances   []string
}

/*
newDevLedgerCmd creates command which serves in-memory ledger over the ledger
gateway API, for local development and demos. State is lost on exit.
*/
func newDevLedgerCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &devLedgerConfig{Base: baseConfig}
	cmd := &cobra.Command{
		Use:   "dev-ledger",
		Short: "Starts in-memory development ledger",
		Long:  "Starts in-memory ledger which settles reimbursement batches, served over the same gateway API the daemon uses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevLedger(cmd.Context(), config)
		},
	}
	cmd.Flags().StringVarP(&config.ServerAddr, "server-address", "s", "localhost:9700", "ledger gateway address")
	cmd.Flags().StringVar(&config.GenesisID, "genesis-id", "", "genesis block hash (hex), random when not set")
	cmd.Flags().DurationVar(&config.BlockTime, "block-time", 6*time.Second, "block production interval, zero produces block right after every submission")
	cmd.Flags().Uint64Var(&config.Fee, "fee", 0, "fee the sender pays for every batch")
	cmd.Flags().StringArrayVar(&config.Balances, "balance", nil, "initial balance of the account as pubkey=amount, may be repeated")
	return cmd
}

func (c *devLedgerConfig) genesisID() (types.GenesisID, error) {
	if c.GenesisID == "" {
		genesis := make(types.GenesisID, types.GenesisIDLength)
		if _, err := rand.Read(genesis); err != nil {
			return nil, fmt.Errorf("generating genesis id: %w", err)
		}
		return genesis, nil
	}
	b, err := hexutil.Decode(c.GenesisID)
	if err != nil {
		return nil, fmt.Errorf("invalid genesis-id: %w", err)
	}
	return b, nil
}

func (c *devLedgerConfig) newLedger(log *slog.Logger) (*memledger.Ledger, error) {
	genesis, err := c.genesisID()
	if err != nil {
		return nil, err
	}
	opts := []memledger.Option{memledger.WithFee(c.Fee)}
	if c.BlockTime <= 0 {
		opts = append(opts, memledger.WithAutoInclude())
	}
	l, err := memledger.New(genesis, log, opts...)
	if err != nil {
		return nil, err
	}

	for _, b := range c.Balances {
		account, amount, ok := strings.Cut(b, "=")
		if !ok {
			return nil, fmt.Errorf("invalid balance %q, expected pubkey=amount", b)
		}
		pk, err := types.DecodePubKeyHex(account)
		if err != nil {
			return nil, fmt.Errorf("invalid balance %q: %w", b, err)
		}
		v, err := parseAmountFlag("balance", amount)
		if err != nil {
			return nil, err
		}
		l.SetBalance(pk, v)
	}
	return l, nil
}

func runDevLedger(ctx context.Context, config *devLedgerConfig) error {
	log := config.Base.observe.Logger()
	l, err := config.newLedger(log)
	if err != nil {
		return err
	}
	gw, err := rest.NewGateway(l, log)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, fmt.Sprintf("development ledger with genesis %s starting on %s", l.GenesisID(), config.ServerAddr))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpsrv.Run(ctx, http.Server{
			Addr:              config.ServerAddr,
			Handler:           gw.Router(),
			ReadTimeout:       3 * time.Second,
			ReadHeaderTimeout: time.Second,
			IdleTimeout:       30 * time.Second,
		}, httpsrv.ShutdownTimeout(5*time.Second))
	})

	if config.BlockTime > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(config.BlockTime)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					l.ProduceBlock()
				}
			}
		})
	}
	return g.Wait()
}
