/*
Package nonce keeps track of the last voucher sequence number used by each
signing key.

Next number is not reserved when it is read, the caller must record it with
RecordUsed once the voucher carrying it has been persisted. Two callers
reading the next number concurrently for the same key may get the same value,
issuance for an account is expected to happen in single session.
*/
package nonce

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/learnearn/vouchers/keyvaluedb"
	"github.com/learnearn/vouchers/logger"
	"github.com/learnearn/vouchers/types"
)

const keyPrefix = "nonce/"

type Registry struct {
	db  keyvaluedb.KeyValueDB
	log *slog.Logger
}

func NewRegistry(db keyvaluedb.KeyValueDB, log *slog.Logger) (*Registry, error) {
	if db == nil {
		return nil, errors.New("key-value db is nil")
	}
	return &Registry{db: db, log: log}, nil
}

func dbKey(pub types.PubKey) []byte {
	return append([]byte(keyPrefix), pub...)
}

/*
LastUsed returns the last sequence number recorded for the key,
types.UnassignedSequence (-1) when nothing has been recorded yet.
*/
func (r *Registry) LastUsed(pub types.PubKey) (int64, error) {
	if err := pub.IsValid(); err != nil {
		return 0, err
	}
	last := types.UnassignedSequence
	if _, err := r.db.Read(dbKey(pub), &last); err != nil {
		return 0, fmt.Errorf("reading last used sequence number: %w", err)
	}
	return last, nil
}

// NextSequenceNumber returns the sequence number the next voucher of the key should use.
func (r *Registry) NextSequenceNumber(pub types.PubKey) (int64, error) {
	last, err := r.LastUsed(pub)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

/*
RecordUsed marks "n" as used for the key. Stored value never decreases, ie
recording number lower than the current last used is no-op.
*/
func (r *Registry) RecordUsed(pub types.PubKey, n int64) (rErr error) {
	if err := pub.IsValid(); err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%w: sequence number must not be negative, got %d", types.ErrInvalidField, n)
	}

	tx, err := r.db.StartTx()
	if err != nil {
		return fmt.Errorf("starting db transaction: %w", err)
	}
	defer func() {
		if rErr != nil {
			rErr = errors.Join(rErr, tx.Rollback())
		}
	}()

	key := dbKey(pub)
	last := types.UnassignedSequence
	if _, err := tx.Read(key, &last); err != nil {
		return fmt.Errorf("reading last used sequence number: %w", err)
	}
	if n <= last {
		r.log.Debug(fmt.Sprintf("sequence number %d already covered by last used %d", n, last), logger.PubKey(pub))
		return tx.Rollback()
	}
	if err := tx.Write(key, n); err != nil {
		return fmt.Errorf("storing last used sequence number: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing last used sequence number: %w", err)
	}
	return nil
}
