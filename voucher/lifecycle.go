/*
Package voucher implements the life cycle of the skill vouchers: referee
drafts and issues (signs) diplomas, worker derives usage rights out of them
for employers and employer reexamines the worker, failed reexamination
turns the usage right into reimbursement claim.
*/
package voucher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/learnearn/vouchers/crypto"
	"github.com/learnearn/vouchers/logger"
	"github.com/learnearn/vouchers/payload"
	"github.com/learnearn/vouchers/store"
	"github.com/learnearn/vouchers/types"
)

const (
	DefaultStakeValidity      = 365 * 24 * time.Hour
	DefaultUsageRightValidity = 30 * 24 * time.Hour
)

var (
	ErrNotDraft     = errors.New("diploma is not a draft")
	ErrNotReferee   = errors.New("session account is not the referee of the diploma")
	ErrNotWorker    = errors.New("session account is not the worker of the diploma")
	ErrNotEmployer  = errors.New("session account is not the employer of the usage right")
	ErrInvalidated  = errors.New("diploma has been invalidated")
	ErrAlreadyUsed  = errors.New("usage right has already been used")
	ErrReexamined   = errors.New("usage right has already been reexamined")
	ErrWindowClosed = errors.New("challenge window is closed")
)

type (
	// Session is the local account vouchers are issued, derived or reexamined with.
	Session struct {
		Account   crypto.Signer
		PubKey    types.PubKey
		GenesisID types.GenesisID
	}

	Config struct {
		// for how long the referee's stake remains claimable after issuing
		StakeValidity time.Duration
		// challenge window of the usage right when not given explicitly
		UsageRightValidity time.Duration
	}

	Store interface {
		PutDiploma(d *types.Diploma) error
		GetDiploma(id []byte) (*types.Diploma, error)
		DeleteDiploma(id []byte) error
		DiplomasBySequence(referee types.PubKey, seq uint64) ([]*types.Diploma, error)
		PutUsageRight(u *types.UsageRight) error
		GetUsageRight(id []byte) (*types.UsageRight, error)
	}

	Nonces interface {
		NextSequenceNumber(pub types.PubKey) (int64, error)
		RecordUsed(pub types.PubKey, n int64) error
	}

	Estimator interface {
		BlockAfter(ctx context.Context, d time.Duration) (uint64, error)
		AllowedBlock(ctx context.Context, d time.Duration, diplomaBlock uint64) (uint64, error)
		CurrentBlock(ctx context.Context) (uint64, error)
	}

	// ClaimSink accepts reimbursement claims for settlement.
	ClaimSink interface {
		Add(ctx context.Context, r *types.Reimbursement) error
	}

	Lifecycle struct {
		session   *Session
		cfg       Config
		store     Store
		nonces    Nonces
		estimator Estimator
		claims    ClaimSink
		log       *slog.Logger
		now       func() time.Time
	}
)

// NewSession returns session of the "account" on the ledger identified by "genesis".
func NewSession(account crypto.Signer, genesis types.GenesisID) (*Session, error) {
	if account == nil {
		return nil, crypto.ErrSignerIsNil
	}
	if err := genesis.IsValid(); err != nil {
		return nil, err
	}
	pubKey, err := crypto.PublicKeyOf(account)
	if err != nil {
		return nil, fmt.Errorf("reading account public key: %w", err)
	}
	return &Session{Account: account, PubKey: pubKey, GenesisID: genesis}, nil
}

func New(session *Session, cfg Config, store Store, nonces Nonces, estimator Estimator, claims ClaimSink, log *slog.Logger) (*Lifecycle, error) {
	switch {
	case session == nil:
		return nil, errors.New("session is nil")
	case store == nil:
		return nil, errors.New("voucher store is nil")
	case nonces == nil:
		return nil, errors.New("nonce registry is nil")
	case estimator == nil:
		return nil, errors.New("expiry estimator is nil")
	case claims == nil:
		return nil, errors.New("claim sink is nil")
	}
	if cfg.StakeValidity == 0 {
		cfg.StakeValidity = DefaultStakeValidity
	}
	if cfg.UsageRightValidity == 0 {
		cfg.UsageRightValidity = DefaultUsageRightValidity
	}
	if cfg.StakeValidity < 0 || cfg.UsageRightValidity < 0 {
		return nil, errors.New("validity durations must not be negative")
	}
	return &Lifecycle{
		session:   session,
		cfg:       cfg,
		store:     store,
		nonces:    nonces,
		estimator: estimator,
		claims:    claims,
		log:       log,
		now:       time.Now,
	}, nil
}

/*
Draft creates new diploma issued by the session account. Draft is not
persisted, it may be discarded until it is issued.
*/
func (l *Lifecycle) Draft(skillContentID, workerID, knowledgeID string, worker types.PubKey, stake *uint256.Int) (*types.Diploma, error) {
	if err := worker.IsValid(); err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	if stake == nil {
		return nil, fmt.Errorf("%w: stake is missing", types.ErrInvalidField)
	}
	return &types.Diploma{
		SkillContentID: skillContentID,
		WorkerID:       workerID,
		KnowledgeID:    knowledgeID,
		SequenceNumber: types.UnassignedSequence,
		Referee:        bytes.Clone(l.session.PubKey),
		Worker:         bytes.Clone(worker),
		Stake:          stake.Clone(),
		Valid:          true,
	}, nil
}

// Discard drops the draft, signed diplomas can only be deleted (DeleteDiploma).
func (l *Lifecycle) Discard(d *types.Diploma) error {
	if d.Assigned() {
		return ErrNotDraft
	}
	return nil
}

/*
Issue assigns the next sequence number of the referee to the draft, sets
the block until which the stake is claimable, signs and persists it. When
issuing fails before the diploma is persisted the diploma remains a draft.
Once persisted the diploma stays issued even when the sequence number can't
be recorded, the registry is brought up to date by the next Issue.
*/
func (l *Lifecycle) Issue(ctx context.Context, d *types.Diploma) (rErr error) {
	if d.Assigned() {
		return ErrNotDraft
	}
	if !d.Referee.Equal(l.session.PubKey) {
		return ErrNotReferee
	}
	persisted := false
	defer func() {
		if rErr != nil && !persisted {
			d.SequenceNumber = types.UnassignedSequence
			d.Block = 0
			d.PrivateSig, d.ReceiptSig = nil, nil
		}
	}()

	seq, err := l.nextSequenceNumber(ctx, d.Referee)
	if err != nil {
		return err
	}
	block, err := l.estimator.BlockAfter(ctx, l.cfg.StakeValidity)
	if err != nil {
		return fmt.Errorf("estimating stake expiry block: %w", err)
	}
	d.SequenceNumber = seq
	d.Block = block
	if err := payload.SignDiploma(d, l.session.GenesisID, l.session.Account); err != nil {
		return fmt.Errorf("signing diploma: %w", err)
	}

	if err := l.store.PutDiploma(d); err != nil {
		return fmt.Errorf("storing diploma: %w", err)
	}
	persisted = true
	if err := l.nonces.RecordUsed(d.Referee, seq); err != nil {
		l.log.WarnContext(ctx, "recording sequence number of issued diploma", logger.PubKey(d.Referee), logger.Sequence(seq), logger.Error(err))
	}
	l.log.InfoContext(ctx, fmt.Sprintf("diploma issued, stake claimable until block %d", block), logger.PubKey(d.Referee), logger.Sequence(seq), logger.Amount(d.Stake))
	return nil
}

/*
nextSequenceNumber returns the next sequence number of the referee. When a
stored diploma already carries the number the registry is behind the store
(recording failed after the diploma was persisted), the number is recorded
and the registry asked again. Registry which still returns a used number is
racing with another issuer, the duplicate is logged and kept.
*/
func (l *Lifecycle) nextSequenceNumber(ctx context.Context, referee types.PubKey) (int64, error) {
	seq, err := l.nonces.NextSequenceNumber(referee)
	if err != nil {
		return 0, fmt.Errorf("reading next sequence number: %w", err)
	}
	existing, err := l.store.DiplomasBySequence(referee, uint64(seq))
	if err != nil {
		return 0, fmt.Errorf("checking sequence number usage: %w", err)
	}
	if len(existing) == 0 {
		return seq, nil
	}

	if err := l.nonces.RecordUsed(referee, seq); err != nil {
		return 0, fmt.Errorf("recording sequence number: %w", err)
	}
	next, err := l.nonces.NextSequenceNumber(referee)
	if err != nil {
		return 0, fmt.Errorf("reading next sequence number: %w", err)
	}
	if next == seq {
		// ledger settles only one claim per sequence number
		l.log.WarnContext(ctx, fmt.Sprintf("sequence number already used by %d diploma(s)", len(existing)), logger.PubKey(referee), logger.Sequence(seq))
	}
	return next, nil
}

/*
Accept verifies diploma received from a peer and persists it. Structurally
invalid or wrongly signed diploma is rejected. When the diploma is already
stored its local status (validity and reexaminations) is kept.
*/
func (l *Lifecycle) Accept(ctx context.Context, d *types.Diploma) error {
	if err := d.IsValid(); err != nil {
		return fmt.Errorf("invalid diploma: %w", err)
	}
	if err := payload.VerifyDiploma(d, l.session.GenesisID); err != nil {
		return fmt.Errorf("verifying diploma: %w", err)
	}
	local, err := l.store.GetDiploma(d.ID())
	switch {
	case err == nil:
		d = d.Clone()
		d.Valid = local.Valid
		d.ReexamineCount = local.ReexamineCount
		d.LastReexaminedAt = local.LastReexaminedAt
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("loading diploma: %w", err)
	}
	if err := l.store.PutDiploma(d); err != nil {
		return fmt.Errorf("storing diploma: %w", err)
	}
	l.log.DebugContext(ctx, "diploma accepted", logger.PubKey(d.Referee), logger.Sequence(d.SequenceNumber))
	return nil
}

/*
Derive counter-signs the diploma of the session account (the worker)
granting "employer" the right to challenge it during "window" (default
validity when zero). The challenge window never extends past the block of
the diploma. The diploma itself is not modified.
*/
func (l *Lifecycle) Derive(ctx context.Context, diplomaID []byte, employer types.PubKey, window time.Duration) (*types.UsageRight, error) {
	if err := employer.IsValid(); err != nil {
		return nil, fmt.Errorf("employer: %w", err)
	}
	if window < 0 {
		return nil, fmt.Errorf("challenge window must not be negative, got %s", window)
	}
	if window == 0 {
		window = l.cfg.UsageRightValidity
	}
	d, err := l.store.GetDiploma(diplomaID)
	if err != nil {
		return nil, fmt.Errorf("loading diploma: %w", err)
	}
	if !d.Worker.Equal(l.session.PubKey) {
		return nil, ErrNotWorker
	}
	if !d.Valid {
		return nil, ErrInvalidated
	}

	current, err := l.estimator.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}
	if current > d.Block {
		return nil, fmt.Errorf("%w: stake of the diploma expired at block %d", ErrWindowClosed, d.Block)
	}
	allowed, err := l.estimator.AllowedBlock(ctx, window, d.Block)
	if err != nil {
		return nil, fmt.Errorf("estimating challenge window: %w", err)
	}

	u := &types.UsageRight{
		Diploma:      *d.Clone(),
		Employer:     bytes.Clone(employer),
		BlockAllowed: allowed,
	}
	if err := payload.SignUsageRight(u, l.session.Account); err != nil {
		return nil, fmt.Errorf("signing usage right: %w", err)
	}
	if err := l.store.PutUsageRight(u); err != nil {
		return nil, fmt.Errorf("storing usage right: %w", err)
	}
	l.log.InfoContext(ctx, fmt.Sprintf("usage right derived, challenge window until block %d", allowed), logger.PubKey(employer), logger.Sequence(d.SequenceNumber))
	return u, nil
}

/*
AcceptUsageRight verifies usage right received from the worker and persists
it. Only usage rights granted to the session account are accepted. Status of
the usage right already stored (use and reexaminations) is kept.
*/
func (l *Lifecycle) AcceptUsageRight(ctx context.Context, u *types.UsageRight) error {
	if err := u.IsValid(); err != nil {
		return fmt.Errorf("invalid usage right: %w", err)
	}
	if !u.Employer.Equal(l.session.PubKey) {
		return ErrNotEmployer
	}
	if err := payload.VerifyUsageRight(u, l.session.GenesisID); err != nil {
		return fmt.Errorf("verifying usage right: %w", err)
	}
	local, err := l.store.GetUsageRight(u.ID())
	switch {
	case err == nil:
		u = u.Clone()
		u.WasUsed = local.WasUsed
		u.Valid = local.Valid
		u.ReexamineCount = local.ReexamineCount
		u.LastReexaminedAt = local.LastReexaminedAt
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("loading usage right: %w", err)
	}
	if err := l.store.PutUsageRight(u); err != nil {
		return fmt.Errorf("storing usage right: %w", err)
	}
	l.log.DebugContext(ctx, "usage right accepted", logger.PubKey(u.Worker), logger.Sequence(u.SequenceNumber))
	return nil
}

/*
Reexamine records the outcome of the employer's reexamination of the worker.
Usage right is reexamined once. When the worker passed the reexamination
counter is incremented, the usage right is validated and nil claim is
returned. Otherwise the reimbursement claim is handed to the claim
sink, the usage right is marked used and the diploma invalidated.
*/
func (l *Lifecycle) Reexamine(ctx context.Context, usageRightID []byte, passed bool) (*types.Reimbursement, error) {
	u, err := l.store.GetUsageRight(usageRightID)
	if err != nil {
		return nil, fmt.Errorf("loading usage right: %w", err)
	}
	if !u.Employer.Equal(l.session.PubKey) {
		return nil, ErrNotEmployer
	}
	if u.WasUsed {
		return nil, ErrAlreadyUsed
	}
	if u.ReexamineCount > 0 {
		return nil, ErrReexamined
	}
	current, err := l.estimator.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}
	if current > u.BlockAllowed {
		return nil, fmt.Errorf("%w: challenge window closed at block %d", ErrWindowClosed, u.BlockAllowed)
	}

	if passed {
		u.ReexamineCount++
		u.LastReexaminedAt = l.now().UnixMilli()
		if err := l.store.PutUsageRight(u); err != nil {
			return nil, fmt.Errorf("storing usage right: %w", err)
		}
		l.updateDiploma(ctx, u.Diploma.ID(), func(d *types.Diploma) {
			d.ReexamineCount++
			d.LastReexaminedAt = u.LastReexaminedAt
		})
		l.log.InfoContext(ctx, "reexamination passed", logger.PubKey(u.Worker), logger.Sequence(u.SequenceNumber))
		return nil, nil
	}

	claim := types.NewReimbursement(u)
	if err := l.claims.Add(ctx, claim); err != nil {
		return nil, fmt.Errorf("queuing reimbursement claim: %w", err)
	}
	u.WasUsed = true
	u.Valid = false
	u.ReexamineCount++
	u.LastReexaminedAt = l.now().UnixMilli()
	if err := l.store.PutUsageRight(u); err != nil {
		return claim, fmt.Errorf("storing usage right: %w", err)
	}
	l.updateDiploma(ctx, u.Diploma.ID(), func(d *types.Diploma) {
		d.Valid = false
		d.ReexamineCount++
		d.LastReexaminedAt = u.LastReexaminedAt
	})
	l.log.InfoContext(ctx, "reexamination failed, reimbursement claimed", logger.PubKey(u.Referee), logger.Sequence(u.SequenceNumber), logger.Amount(u.Stake))
	return claim, nil
}

// updateDiploma applies "change" to the locally stored copy of the diploma, if there is one.
func (l *Lifecycle) updateDiploma(ctx context.Context, id []byte, change func(d *types.Diploma)) {
	d, err := l.store.GetDiploma(id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.log.WarnContext(ctx, "loading diploma", logger.Error(err))
		}
		return
	}
	change(d)
	if err := l.store.PutDiploma(d); err != nil {
		l.log.WarnContext(ctx, "storing diploma", logger.Error(err))
	}
}

// State returns the current state of the usage right.
func (l *Lifecycle) State(ctx context.Context, usageRightID []byte) (State, error) {
	u, err := l.store.GetUsageRight(usageRightID)
	if err != nil {
		return 0, fmt.Errorf("loading usage right: %w", err)
	}
	current, err := l.estimator.CurrentBlock(ctx)
	if err != nil {
		return 0, err
	}
	return UsageRightState(u, current), nil
}

// DiplomaState returns the current state of the stored diploma.
func (l *Lifecycle) DiplomaState(ctx context.Context, diplomaID []byte) (State, error) {
	d, err := l.store.GetDiploma(diplomaID)
	if err != nil {
		return 0, fmt.Errorf("loading diploma: %w", err)
	}
	current, err := l.estimator.CurrentBlock(ctx)
	if err != nil {
		return 0, err
	}
	return DiplomaState(d, current), nil
}

// DeleteDiploma deletes the diploma, it is only done on explicit user request.
func (l *Lifecycle) DeleteDiploma(ctx context.Context, diplomaID []byte) error {
	if err := l.store.DeleteDiploma(diplomaID); err != nil {
		return fmt.Errorf("deleting diploma: %w", err)
	}
	l.log.InfoContext(ctx, fmt.Sprintf("diploma %X deleted", diplomaID))
	return nil
}
