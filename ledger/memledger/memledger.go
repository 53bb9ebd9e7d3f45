/*
Package memledger implements in-process ledger which settles reimbursement
batches the same way the real chain does: every call of the batch is checked
and applied independently, the "already claimed" check guarantees that each
(referee, sequence number) pair is paid out at most once.

Blocks are produced either on demand (ProduceBlock) or, when AutoInclude
option is used, right after every submission.
*/
package memledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/holiman/uint256"

	"github.com/learnearn/vouchers/crypto"
	"github.com/learnearn/vouchers/ledger"
	"github.com/learnearn/vouchers/logger"
	"github.com/learnearn/vouchers/payload"
	"github.com/learnearn/vouchers/types"
	"github.com/learnearn/vouchers/util"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

type (
	Ledger struct {
		genesis     types.GenesisID
		fee         *uint256.Int
		autoInclude bool
		log         *slog.Logger

		mu        sync.Mutex
		block     uint64
		balances  map[string]*uint256.Int
		claimed   map[string]struct{}
		watchers  map[string]map[*watcher]struct{}
		queue     []*pendingBatch
		submitErr error
		silent    bool
	}

	pendingBatch struct {
		sender types.PubKey
		calls  []*ledger.ReimbursementCall
		status chan *ledger.BatchStatus
	}

	Option func(*Ledger)
)

// WithFee sets the fee the sender pays for every submitted batch.
func WithFee(fee uint64) Option {
	return func(l *Ledger) { l.fee = uint256.NewInt(fee) }
}

// WithAutoInclude makes the ledger produce a block right after every submission.
func WithAutoInclude() Option {
	return func(l *Ledger) { l.autoInclude = true }
}

// WithBlockNumber sets the number of the current block.
func WithBlockNumber(n uint64) Option {
	return func(l *Ledger) { l.block = n }
}

func New(genesis types.GenesisID, log *slog.Logger, opts ...Option) (*Ledger, error) {
	if err := genesis.IsValid(); err != nil {
		return nil, err
	}
	l := &Ledger{
		genesis:  genesis,
		fee:      uint256.NewInt(0),
		log:      log,
		balances: make(map[string]*uint256.Int),
		claimed:  make(map[string]struct{}),
		watchers: make(map[string]map[*watcher]struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

func (l *Ledger) GenesisID() types.GenesisID {
	return l.genesis
}

func (l *Ledger) CurrentHeader(ctx context.Context) (*ledger.Header, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &ledger.Header{Number: l.block, Hash: util.Uint64ToBytes(l.block)}, nil
}

// Balance returns free balance of the account, zero for unknown accounts.
func (l *Ledger) Balance(account types.PubKey) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(account).Clone()
}

func (l *Ledger) balance(account types.PubKey) *uint256.Int {
	if b, ok := l.balances[string(account)]; ok {
		return b
	}
	return uint256.NewInt(0)
}

// SetBalance sets the free balance of the account and notifies watchers of the account.
func (l *Ledger) SetBalance(account types.PubKey, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setBalance(account, amount.Clone())
}

func (l *Ledger) setBalance(account types.PubKey, amount *uint256.Int) {
	l.balances[string(account)] = amount
	for w := range l.watchers[string(account)] {
		w.push(amount.Clone())
	}
}

/*
FailSubmissions makes following SubmitBatch calls to fail with "err" (ie
network failure), nil restores normal operation.
*/
func (l *Ledger) FailSubmissions(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErr = err
}

/*
Silent makes the ledger to accept following submissions without ever
reporting their status (the status channel is never written to).
*/
func (l *Ledger) Silent(silent bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.silent = silent
}

// Claimed returns true when reimbursement for the (referee, seq) pair has been paid out.
func (l *Ledger) Claimed(referee types.PubKey, seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.claimed[claimKey(referee, seq)]
	return ok
}

// Pending returns number of submitted batches waiting for the next block.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Ledger) WatchBalance(ctx context.Context, account types.PubKey, fn func(balance *uint256.Int)) (func(), error) {
	if err := account.IsValid(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("callback func is nil")
	}

	w := newWatcher(fn)
	l.mu.Lock()
	subs, ok := l.watchers[string(account)]
	if !ok {
		subs = make(map[*watcher]struct{})
		l.watchers[string(account)] = subs
	}
	subs[w] = struct{}{}
	w.push(l.balance(account).Clone())
	l.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.watchers[string(account)], w)
			l.mu.Unlock()
			w.close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-w.stop:
		}
	}()
	go w.run()
	return unsubscribe, nil
}

func (l *Ledger) SubmitBatch(ctx context.Context, calls []*ledger.ReimbursementCall, signer crypto.Signer) (<-chan *ledger.BatchStatus, error) {
	batch, err := ledger.SignBatch(calls, signer)
	if err != nil {
		return nil, fmt.Errorf("signing batch: %w", err)
	}
	return l.SubmitSigned(ctx, batch)
}

// SubmitSigned queues batch which has been signed by the sender.
func (l *Ledger) SubmitSigned(ctx context.Context, batch *ledger.SignedBatch) (<-chan *ledger.BatchStatus, error) {
	sender, calls, err := batch.Open()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.submitErr != nil {
		l.mu.Unlock()
		return nil, l.submitErr
	}
	status := make(chan *ledger.BatchStatus, 3)
	if l.silent {
		l.mu.Unlock()
		return status, nil
	}
	status <- &ledger.BatchStatus{Status: ledger.StatusReady}
	l.queue = append(l.queue, &pendingBatch{sender: sender, calls: calls, status: status})
	l.log.DebugContext(ctx, fmt.Sprintf("batch of %d calls queued", len(calls)), logger.PubKey(sender))
	l.mu.Unlock()

	if l.autoInclude {
		go l.ProduceBlock()
	}
	return status, nil
}

/*
ProduceBlock creates new block including all the queued batches and returns
number of the new block.
*/
func (l *Ledger) ProduceBlock() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.block++
	for _, b := range l.queue {
		status := l.execute(b)
		b.status <- status
		if status.Status.Included() {
			b.status <- &ledger.BatchStatus{Status: ledger.StatusFinalized, BlockNumber: status.BlockNumber, Events: status.Events}
		}
		close(b.status)
	}
	l.queue = nil
	return l.block
}

func (l *Ledger) execute(b *pendingBatch) *ledger.BatchStatus {
	senderBalance := l.balance(b.sender)
	if senderBalance.Lt(l.fee) {
		return &ledger.BatchStatus{
			Status: ledger.StatusError,
			Error:  fmt.Sprintf("%s: sender can't pay fee %s", ErrInsufficientBalance, l.fee.ToBig()),
		}
	}
	if !l.fee.IsZero() {
		l.setBalance(b.sender, new(uint256.Int).Sub(senderBalance, l.fee))
	}

	status := &ledger.BatchStatus{Status: ledger.StatusInBlock, BlockNumber: l.block}
	for _, c := range b.calls {
		ev := &ledger.Event{Referee: c.Referee, SequenceNumber: c.SequenceNumber}
		if err := l.reimburse(c); err != nil {
			ev.Method = ledger.MethodReimbursementFailed
			ev.Reason = err.Error()
			l.log.Debug(fmt.Sprintf("reimbursement %d failed: %v", c.SequenceNumber, err), logger.PubKey(c.Referee))
		} else {
			ev.Method = ledger.MethodReimbursementHappened
		}
		status.Events = append(status.Events, ev)
	}
	return status
}

func (l *Ledger) reimburse(c *ledger.ReimbursementCall) error {
	key := claimKey(c.Referee, c.SequenceNumber)
	if _, ok := l.claimed[key]; ok {
		return errors.New("already claimed")
	}
	if l.block > c.BlockAllowed {
		return fmt.Errorf("challenge window closed at block %d", c.BlockAllowed)
	}
	r, err := c.Reimbursement()
	if err != nil {
		return err
	}
	if err := r.IsValid(); err != nil {
		return err
	}
	if err := payload.VerifyReimbursement(r, l.genesis); err != nil {
		return err
	}
	refereeBalance := l.balance(r.Referee)
	if refereeBalance.Lt(r.Stake) {
		return fmt.Errorf("%w: referee has %s, claim is %s", ErrInsufficientBalance, refereeBalance.ToBig(), r.Stake.ToBig())
	}
	l.setBalance(r.Referee, new(uint256.Int).Sub(refereeBalance, r.Stake))
	l.setBalance(r.Employer, new(uint256.Int).Add(l.balance(r.Employer), r.Stake))
	l.claimed[key] = struct{}{}
	return nil
}

func claimKey(referee types.PubKey, seq uint64) string {
	return string(referee) + string(util.Uint64ToBytes(seq))
}
