/*
Package reimbursement settles pending reimbursement claims on the ledger.

The Scheduler watches balances of the referees claims are pending against
(and of the local account) and every time a referee is observed solvent or
a new claim arrives it tries to build a batch of claims which the referees
can afford and submits it as a single ledger transaction. At most one batch
is in flight at any time. A claim is removed from the pending set only when
the ledger confirms its settlement.
*/
package reimbursement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/metric"

	"github.com/learnearn/vouchers/broker"
	"github.com/learnearn/vouchers/crypto"
	"github.com/learnearn/vouchers/ledger"
	"github.com/learnearn/vouchers/logger"
	"github.com/learnearn/vouchers/types"
)

const (
	DefaultMaxBatchSize  = 10
	DefaultSubmitTimeout = 2 * time.Minute
)

var (
	ErrNotStarted = errors.New("scheduler is not running")
	ErrClosed     = errors.New("scheduler is closed")
)

type (
	Config struct {
		// maximum number of claims in single batch
		MaxBatchSize int
		// referee's balance which must remain after the claims of the batch are paid
		MinReserve *uint256.Int
		// batch is not submitted while the local account's balance is below it
		OwnMinReserve *uint256.Int
		// status of the submitted batch is waited for this long, then the batch is given up
		SubmitTimeout time.Duration
		// order in which claims of a referee are considered, ByStakeAscending when nil
		Comparator Comparator
	}

	// Store is the durable set of pending claims.
	Store interface {
		PutReimbursement(r *types.Reimbursement) error
		DeleteReimbursement(referee types.PubKey, seq uint64) (bool, error)
		Reimbursements(referee types.PubKey) ([]*types.Reimbursement, error)
		Referees() ([]types.PubKey, error)
	}

	Notifier interface {
		Notify(pubkey types.PubKey, msg broker.Message)
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	// selection is the batch together with the referee balances it was selected against.
	selection struct {
		claims   []*types.Reimbursement
		balances map[string]*uint256.Int
	}

	Scheduler struct {
		cfg      Config
		account  crypto.Signer
		pubKey   types.PubKey
		ledger   ledger.Client
		store    Store
		notifier Notifier
		log      *slog.Logger

		mu         sync.Mutex
		ctx        context.Context
		cancel     context.CancelFunc
		closed     bool
		inFlight   bool
		ownBalance *uint256.Int            // nil until first observed
		solvent    map[string]*uint256.Int // referee => balance above MinReserve
		watching   map[string]func()       // referee => unsubscribe
		wg         sync.WaitGroup

		mSubmitted metric.Int64Counter
		mSettled   metric.Int64Counter
		mFailed    metric.Int64Counter
		mBatchSize metric.Int64Histogram
	}
)

func (c *Config) initDefaults() error {
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max batch size must be greater than zero, got %d", c.MaxBatchSize)
	}
	if c.MinReserve == nil {
		c.MinReserve = uint256.NewInt(0)
	}
	if c.OwnMinReserve == nil {
		c.OwnMinReserve = uint256.NewInt(0)
	}
	if c.SubmitTimeout == 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.SubmitTimeout < 0 {
		return fmt.Errorf("submit timeout must not be negative, got %s", c.SubmitTimeout)
	}
	if c.Comparator == nil {
		c.Comparator = ByStakeAscending
	}
	return nil
}

/*
NewScheduler creates scheduler submitting batches signed by "account".
Notifier is optional, when set the local account is notified about the
progress of the batches.
*/
func NewScheduler(cfg Config, account crypto.Signer, client ledger.Client, store Store, notifier Notifier, obs Observability) (*Scheduler, error) {
	if err := cfg.initDefaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if account == nil {
		return nil, errors.New("account signer is nil")
	}
	if client == nil {
		return nil, errors.New("ledger client is nil")
	}
	if store == nil {
		return nil, errors.New("claim store is nil")
	}
	pubKey, err := crypto.PublicKeyOf(account)
	if err != nil {
		return nil, fmt.Errorf("reading account public key: %w", err)
	}

	s := &Scheduler{
		cfg:      cfg,
		account:  account,
		pubKey:   pubKey,
		ledger:   client,
		store:    store,
		notifier: notifier,
		log:      obs.Logger(),
		solvent:  make(map[string]*uint256.Int),
		watching: make(map[string]func()),
	}
	if err := s.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return s, nil
}

/*
Start subscribes to the balance of the local account and of every referee
which has claims pending against it. Subscriptions are cancelled by Close
(or when ctx is cancelled).
*/
func (s *Scheduler) Start(ctx context.Context) error {
	referees, err := s.store.Referees()
	if err != nil {
		return fmt.Errorf("loading referees with pending claims: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("scheduler is already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if _, err := s.ledger.WatchBalance(s.ctx, s.pubKey, s.onOwnBalance); err != nil {
		s.Close()
		return fmt.Errorf("subscribing to account balance: %w", err)
	}
	for _, referee := range referees {
		if err := s.watch(referee); err != nil {
			s.Close()
			return err
		}
	}
	s.log.InfoContext(ctx, fmt.Sprintf("reimbursement scheduler started, watching %d referees", len(referees)), logger.PubKey(s.pubKey))
	return nil
}

// Close cancels balance subscriptions and waits until batch in flight (if any) is resolved.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	watching := s.watching
	s.watching = make(map[string]func())
	s.mu.Unlock()

	for _, unsubscribe := range watching {
		unsubscribe()
	}
	s.wg.Wait()
}

/*
Add queues new claim and triggers selection. The claim is persisted before
Add returns.
*/
func (s *Scheduler) Add(ctx context.Context, r *types.Reimbursement) error {
	if err := r.IsValid(); err != nil {
		return fmt.Errorf("invalid claim: %w", err)
	}
	if err := s.running(); err != nil {
		return err
	}
	if err := s.store.PutReimbursement(r); err != nil {
		return fmt.Errorf("storing claim: %w", err)
	}
	s.log.DebugContext(ctx, "claim queued", logger.PubKey(r.Referee), logger.Sequence(int64(r.SequenceNumber)), logger.Amount(r.Stake))
	if err := s.watch(r.Referee); err != nil {
		return err
	}
	s.Trigger(ctx)
	return nil
}

/*
Expire removes claims whose challenge window has closed before the current
block of the ledger. Returns number of claims removed. Apart from settlement
this is the only way a claim leaves the pending set.
*/
func (s *Scheduler) Expire(ctx context.Context) (int, error) {
	hdr, err := s.ledger.CurrentHeader(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading current block header: %w", err)
	}
	referees, err := s.store.Referees()
	if err != nil {
		return 0, fmt.Errorf("loading referees with pending claims: %w", err)
	}

	cnt := 0
	for _, referee := range referees {
		claims, err := s.store.Reimbursements(referee)
		if err != nil {
			return cnt, fmt.Errorf("loading claims: %w", err)
		}
		for _, r := range claims {
			if !r.Expired(hdr.Number) {
				continue
			}
			deleted, err := s.store.DeleteReimbursement(r.Referee, r.SequenceNumber)
			if err != nil {
				return cnt, fmt.Errorf("deleting expired claim: %w", err)
			}
			if deleted {
				cnt++
				s.log.InfoContext(ctx, fmt.Sprintf("claim expired, challenge window closed at block %d", r.BlockAllowed), logger.PubKey(r.Referee), logger.Sequence(int64(r.SequenceNumber)), logger.Block(hdr.Number))
			}
		}
		s.unwatchIfIdle(referee)
	}
	return cnt, nil
}

// Pending returns number of claims waiting for settlement.
func (s *Scheduler) Pending() (int, error) {
	referees, err := s.store.Referees()
	if err != nil {
		return 0, err
	}
	cnt := 0
	for _, referee := range referees {
		claims, err := s.store.Reimbursements(referee)
		if err != nil {
			return 0, err
		}
		cnt += len(claims)
	}
	return cnt, nil
}

// InFlight returns true while a submitted batch is waiting for its status.
func (s *Scheduler) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

/*
Trigger runs batch selection and submits the batch when it is not empty.
Nothing happens while previous batch is in flight or the local account
can't afford the transaction.
*/
func (s *Scheduler) Trigger(ctx context.Context) {
	sel, err := s.selectBatch()
	if err != nil {
		s.log.WarnContext(ctx, "selecting reimbursement batch", logger.Error(err))
		return
	}
	if sel == nil {
		return
	}
	go s.submit(sel)
}

/*
selectBatch returns the next batch (nil when there is nothing to submit) and
marks it as being in flight. Both happen under the same lock so no
other selection can start until the batch is resolved.
*/
func (s *Scheduler) selectBatch() (*selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil || s.closed || s.inFlight {
		return nil, nil
	}
	if s.ownBalance == nil || s.ownBalance.Lt(s.cfg.OwnMinReserve) {
		return nil, nil
	}

	candidates := make([]*Candidate, 0, len(s.solvent))
	for referee, balance := range s.solvent {
		claims, err := s.store.Reimbursements(types.PubKey(referee))
		if err != nil {
			return nil, fmt.Errorf("loading claims: %w", err)
		}
		if len(claims) > 0 {
			candidates = append(candidates, &Candidate{Referee: types.PubKey(referee), Balance: balance, Claims: claims})
		}
	}

	batch := SelectBatch(candidates, s.cfg.MinReserve, s.cfg.MaxBatchSize, s.cfg.Comparator)
	if len(batch) == 0 {
		return nil, nil
	}
	sel := &selection{claims: batch, balances: make(map[string]*uint256.Int)}
	for _, r := range batch {
		sel.balances[string(r.Referee)] = s.solvent[string(r.Referee)]
	}
	s.inFlight = true
	s.wg.Add(1)
	return sel, nil
}

func (s *Scheduler) submit(sel *selection) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SubmitTimeout)
	defer cancel()

	settled, err := s.submitAndWait(ctx, sel)
	if err != nil {
		s.mFailed.Add(ctx, 1)
		s.log.WarnContext(ctx, fmt.Sprintf("reimbursement batch of %d claims failed", len(sel.claims)), logger.Error(err))
		s.notify(&broker.Notification{Kind: broker.KindFailed, Claims: len(sel.claims), Reason: err.Error()})
	}

	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()

	// settlement changed balances and the pending set, another batch might fit now
	if settled > 0 {
		s.Trigger(ctx)
	}
}

/*
submitAndWait submits the batch and waits until it's included into block.
Returns number of claims settled.
*/
func (s *Scheduler) submitAndWait(ctx context.Context, sel *selection) (int, error) {
	batch := sel.claims
	calls := make([]*ledger.ReimbursementCall, len(batch))
	for i, r := range batch {
		calls[i] = ledger.NewReimbursementCall(r)
	}

	status, err := s.ledger.SubmitBatch(ctx, calls, s.account)
	if err != nil {
		return 0, fmt.Errorf("submitting batch: %w", err)
	}
	s.mSubmitted.Add(ctx, 1)
	s.mBatchSize.Record(ctx, int64(len(batch)))
	s.log.InfoContext(ctx, fmt.Sprintf("submitted reimbursement batch of %d claims", len(batch)), logger.PubKey(s.pubKey))
	s.notify(&broker.Notification{Kind: broker.KindProcessing, Claims: len(batch)})

	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("waiting for batch status: %w", ctx.Err())
		case st, ok := <-status:
			if !ok {
				return 0, errors.New("status stream closed before the batch was included into block")
			}
			switch {
			case st.Status == ledger.StatusError:
				return 0, fmt.Errorf("batch rejected: %s", st.Error)
			case st.Status.Included():
				return s.settle(ctx, sel, st)
			}
		}
	}
}

/*
settle removes claims confirmed by the events of the status, returns number of
claims settled. Stakes of the settled claims are charged against the cached
referee balances so that the follow-up selection doesn't spend them again.
*/
func (s *Scheduler) settle(ctx context.Context, sel *selection, st *ledger.BatchStatus) (int, error) {
	var errs []error
	referees := make(map[string]types.PubKey)
	settled := st.Settled()
	s.chargeSettled(sel, settled)
	for _, ev := range st.Events {
		if ev.Method != ledger.MethodReimbursementHappened {
			s.log.InfoContext(ctx, fmt.Sprintf("claim was not settled: %s", ev.Reason), logger.PubKey(ev.Referee), logger.Sequence(int64(ev.SequenceNumber)), logger.Block(st.BlockNumber))
		}
	}
	for _, ev := range settled {
		if _, err := s.store.DeleteReimbursement(ev.Referee, ev.SequenceNumber); err != nil {
			errs = append(errs, fmt.Errorf("deleting settled claim %d: %w", ev.SequenceNumber, err))
			continue
		}
		referees[string(ev.Referee)] = ev.Referee
		s.log.DebugContext(ctx, "claim settled", logger.PubKey(ev.Referee), logger.Sequence(int64(ev.SequenceNumber)), logger.Block(st.BlockNumber))
	}
	for _, referee := range referees {
		s.unwatchIfIdle(referee)
	}
	s.mSettled.Add(ctx, int64(len(settled)))

	if len(settled) == 0 {
		reason := "no claim of the batch was settled"
		if len(st.Events) > 0 && st.Events[0].Reason != "" {
			reason = st.Events[0].Reason
		}
		s.notify(&broker.Notification{Kind: broker.KindFailed, Claims: len(st.Events), Block: st.BlockNumber, Reason: reason})
		return 0, nil
	}
	s.notify(&broker.Notification{Kind: broker.KindSettled, Claims: len(settled), Block: st.BlockNumber})
	return len(settled), errors.Join(errs...)
}

/*
chargeSettled subtracts stakes of the settled claims from the cached balances
of the referees. Balance which has been replaced by a notification since the
batch was selected is left alone, it already comes from the ledger. Referee
whose balance drops to MinReserve is not solvent until the next notification.
*/
func (s *Scheduler) chargeSettled(sel *selection, settled []*ledger.Event) {
	stakes := make(map[string]*uint256.Int, len(sel.claims))
	for _, r := range sel.claims {
		if r.Stake != nil {
			stakes[claimKey(r.Referee, r.SequenceNumber)] = r.Stake
		}
	}
	spent := make(map[string]*uint256.Int)
	for _, ev := range settled {
		stake, ok := stakes[claimKey(ev.Referee, ev.SequenceNumber)]
		if !ok {
			continue
		}
		sum, ok := spent[string(ev.Referee)]
		if !ok {
			sum = uint256.NewInt(0)
			spent[string(ev.Referee)] = sum
		}
		sum.Add(sum, stake)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for referee, sum := range spent {
		balance, ok := s.solvent[referee]
		if !ok || balance != sel.balances[referee] {
			continue
		}
		if balance.Lt(sum) {
			delete(s.solvent, referee)
			continue
		}
		left := new(uint256.Int).Sub(balance, sum)
		if left.Gt(s.cfg.MinReserve) {
			s.solvent[referee] = left
		} else {
			delete(s.solvent, referee)
		}
	}
}

func claimKey(referee types.PubKey, seq uint64) string {
	return fmt.Sprintf("%x/%d", []byte(referee), seq)
}

func (s *Scheduler) notify(n *broker.Notification) {
	if s.notifier != nil {
		s.notifier.Notify(s.pubKey, n)
	}
}

func (s *Scheduler) running() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.ctx == nil:
		return ErrNotStarted
	}
	return nil
}

// watch subscribes to the balance of the referee unless already subscribed.
func (s *Scheduler) watch(referee types.PubKey) error {
	s.mu.Lock()
	_, ok := s.watching[string(referee)]
	ctx, closed := s.ctx, s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case ok:
		return nil
	}

	unsubscribe, err := s.ledger.WatchBalance(ctx, referee, func(balance *uint256.Int) {
		s.onRefereeBalance(referee, balance)
	})
	if err != nil {
		return fmt.Errorf("subscribing to referee balance: %w", err)
	}

	s.mu.Lock()
	_, ok = s.watching[string(referee)]
	if !ok && !s.closed {
		s.watching[string(referee)] = unsubscribe
	}
	s.mu.Unlock()
	if ok {
		// concurrent call subscribed first
		unsubscribe()
	}
	return nil
}

/*
unwatchIfIdle cancels the balance subscription of the referee when there is
no claims pending against it. The store is checked under the lock so that
concurrent Add either sees the subscription removed or its claim prevents
the removal.
*/
func (s *Scheduler) unwatchIfIdle(referee types.PubKey) {
	s.mu.Lock()
	claims, err := s.store.Reimbursements(referee)
	if err != nil || len(claims) > 0 {
		s.mu.Unlock()
		return
	}
	unsubscribe, ok := s.watching[string(referee)]
	delete(s.watching, string(referee))
	delete(s.solvent, string(referee))
	s.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

func (s *Scheduler) onRefereeBalance(referee types.PubKey, balance *uint256.Int) {
	s.mu.Lock()
	solvent := balance != nil && balance.Gt(s.cfg.MinReserve)
	if solvent {
		s.solvent[string(referee)] = balance.Clone()
	} else {
		delete(s.solvent, string(referee))
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.log.Debug("referee balance changed", logger.PubKey(referee), logger.Amount(balance))
	if solvent && ctx != nil {
		s.Trigger(ctx)
	}
}

func (s *Scheduler) onOwnBalance(balance *uint256.Int) {
	s.mu.Lock()
	if balance != nil {
		s.ownBalance = balance.Clone()
	}
	ctx := s.ctx
	s.mu.Unlock()

	if ctx != nil {
		s.Trigger(ctx)
	}
}

func (s *Scheduler) initMetrics(obs Observability) (err error) {
	m := obs.Meter("reimbursement")

	if s.mSubmitted, err = m.Int64Counter("batch.submitted", metric.WithDescription("Number of reimbursement batches submitted to the ledger."), metric.WithUnit("{batch}")); err != nil {
		return fmt.Errorf("creating submitted batches counter: %w", err)
	}
	if s.mFailed, err = m.Int64Counter("batch.failed", metric.WithDescription("Number of reimbursement batches which failed before inclusion."), metric.WithUnit("{batch}")); err != nil {
		return fmt.Errorf("creating failed batches counter: %w", err)
	}
	if s.mSettled, err = m.Int64Counter("claims.settled", metric.WithDescription("Number of claims confirmed settled by the ledger."), metric.WithUnit("{claim}")); err != nil {
		return fmt.Errorf("creating settled claims counter: %w", err)
	}
	if s.mBatchSize, err = m.Int64Histogram("batch.size", metric.WithDescription("Number of claims in the submitted batch."), metric.WithUnit("{claim}")); err != nil {
		return fmt.Errorf("creating batch size histogram: %w", err)
	}
	if _, err = m.Int64ObservableUpDownCounter(
		"claims.pending",
		metric.WithDescription("Number of claims waiting for settlement."),
		metric.WithUnit("{claim}"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			cnt, err := s.Pending()
			if err != nil {
				return err
			}
			io.Observe(int64(cnt))
			return nil
		}),
	); err != nil {
		return fmt.Errorf("creating pending claims counter: %w", err)
	}
	return nil
}
