/*
Package store persists diplomas, usage rights and pending reimbursement
claims in a bolt database. Records are stored in their wire format.
*/
package store

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/learnearn/vouchers/types"
	"github.com/learnearn/vouchers/util"
	"github.com/learnearn/vouchers/wire"
)

const BoltStoreFileName = "vouchers.db"

var (
	diplomasBucket       = []byte("diplomas")       // diplomaID => wire record
	refereeSeqBucket     = []byte("referee-seq")    // referee => bucket[seq|diplomaID]nil
	usageRightsBucket    = []byte("usage-rights")   // usageRightID => wire record
	reimbursementsBucket = []byte("reimbursements") // referee => bucket[seq]wire record
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNotAssigned = errors.New("record has no id, it must be signed before storing")
)

type BoltStore struct {
	db *bolt.DB
}

/*
NewBoltStore creates new on-disk persistent storage using bolt db. If the
file does not exist then it will be created, however, parent directories
must exist beforehand.
*/
func NewBoltStore(dbFile string) (*BoltStore, error) {
	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: 3 * time.Second}) // -rw-------
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt DB: %w", err)
	}
	s := &BoltStore{db: db}
	if err := s.createBuckets(); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create db buckets: %w", err), db.Close())
	}
	return s, nil
}

func (s *BoltStore) createBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{diplomasBucket, refereeSeqBucket, usageRightsBucket, reimbursementsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

/*
PutDiploma stores signed diploma, existing diploma with the same ID is
overwritten.
*/
func (s *BoltStore) PutDiploma(d *types.Diploma) error {
	id := d.ID()
	if id == nil {
		return ErrNotAssigned
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(diplomasBucket).Put(id, []byte(wire.EncodeDiploma(d))); err != nil {
			return err
		}
		idx, err := tx.Bucket(refereeSeqBucket).CreateBucketIfNotExists(d.Referee)
		if err != nil {
			return err
		}
		return idx.Put(seqKey(uint64(d.SequenceNumber), id), nil)
	})
}

func (s *BoltStore) GetDiploma(id []byte) (*types.Diploma, error) {
	var d *types.Diploma
	err := s.db.View(func(tx *bolt.Tx) (err error) {
		d, err = getDiploma(tx, id)
		return err
	})
	return d, err
}

func getDiploma(tx *bolt.Tx, id []byte) (*types.Diploma, error) {
	data := tx.Bucket(diplomasBucket).Get(id)
	if data == nil {
		return nil, fmt.Errorf("diploma %X: %w", id, ErrNotFound)
	}
	d, err := wire.DecodeDiploma(string(data))
	if err != nil {
		return nil, fmt.Errorf("decoding diploma %X: %w", id, err)
	}
	return d, nil
}

// DeleteDiploma deletes the diploma, deleting non-existent diploma is not an error.
func (s *BoltStore) DeleteDiploma(id []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		d, err := getDiploma(tx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if idx := tx.Bucket(refereeSeqBucket).Bucket(d.Referee); idx != nil {
			if err := idx.Delete(seqKey(uint64(d.SequenceNumber), id)); err != nil {
				return err
			}
		}
		return tx.Bucket(diplomasBucket).Delete(id)
	})
}

/*
DiplomasBySequence returns diplomas of the referee having sequence number
"seq". More than one diploma is returned only when the same sequence number
has been used twice.
*/
func (s *BoltStore) DiplomasBySequence(referee types.PubKey, seq uint64) ([]*types.Diploma, error) {
	prefix := util.Uint64ToBytes(seq)
	var res []*types.Diploma
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(refereeSeqBucket).Bucket(referee)
		if idx == nil {
			return nil
		}
		c := idx.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			d, err := getDiploma(tx, k[len(prefix):])
			if err != nil {
				return err
			}
			res = append(res, d)
		}
		return nil
	})
	return res, err
}

// DiplomasByReferee returns diplomas issued by the referee ordered by sequence number.
func (s *BoltStore) DiplomasByReferee(referee types.PubKey) ([]*types.Diploma, error) {
	var res []*types.Diploma
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(refereeSeqBucket).Bucket(referee)
		if idx == nil {
			return nil
		}
		return idx.ForEach(func(k, _ []byte) error {
			d, err := getDiploma(tx, k[8:])
			if err != nil {
				return err
			}
			res = append(res, d)
			return nil
		})
	})
	return res, err
}

func (s *BoltStore) PutUsageRight(u *types.UsageRight) error {
	id := u.ID()
	if id == nil {
		return ErrNotAssigned
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usageRightsBucket).Put(id, []byte(wire.EncodeUsageRight(u)))
	})
}

func (s *BoltStore) GetUsageRight(id []byte) (*types.UsageRight, error) {
	var u *types.UsageRight
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(usageRightsBucket).Get(id)
		if data == nil {
			return fmt.Errorf("usage right %X: %w", id, ErrNotFound)
		}
		var err error
		if u, err = wire.DecodeUsageRight(string(data)); err != nil {
			return fmt.Errorf("decoding usage right %X: %w", id, err)
		}
		return nil
	})
	return u, err
}

func (s *BoltStore) UsageRights() ([]*types.UsageRight, error) {
	var res []*types.UsageRight
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usageRightsBucket).ForEach(func(k, v []byte) error {
			u, err := wire.DecodeUsageRight(string(v))
			if err != nil {
				return fmt.Errorf("decoding usage right %X: %w", k, err)
			}
			res = append(res, u)
			return nil
		})
	})
	return res, err
}

/*
PutReimbursement stores the claim under (referee, sequence number) key,
existing claim with the same key is overwritten.
*/
func (s *BoltStore) PutReimbursement(r *types.Reimbursement) error {
	if err := r.Referee.IsValid(); err != nil {
		return fmt.Errorf("referee: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(reimbursementsBucket).CreateBucketIfNotExists(r.Referee)
		if err != nil {
			return err
		}
		return b.Put(util.Uint64ToBytes(r.SequenceNumber), []byte(wire.EncodeReimbursement(r)))
	})
}

func (s *BoltStore) GetReimbursement(referee types.PubKey, seq uint64) (*types.Reimbursement, error) {
	var r *types.Reimbursement
	err := s.db.View(func(tx *bolt.Tx) error {
		var data []byte
		if b := tx.Bucket(reimbursementsBucket).Bucket(referee); b != nil {
			data = b.Get(util.Uint64ToBytes(seq))
		}
		if data == nil {
			return fmt.Errorf("reimbursement %s/%d: %w", referee, seq, ErrNotFound)
		}
		var err error
		if r, err = wire.DecodeReimbursement(string(data)); err != nil {
			return fmt.Errorf("decoding reimbursement %s/%d: %w", referee, seq, err)
		}
		return nil
	})
	return r, err
}

/*
DeleteReimbursement removes the claim, returns true when the claim existed.
Referee's bucket is removed together with the last claim.
*/
func (s *BoltStore) DeleteReimbursement(referee types.PubKey, seq uint64) (deleted bool, _ error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(reimbursementsBucket)
		b := parent.Bucket(referee)
		if b == nil {
			return nil
		}
		key := util.Uint64ToBytes(seq)
		if b.Get(key) == nil {
			return nil
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		deleted = true
		if k, _ := b.Cursor().First(); k == nil {
			return parent.DeleteBucket(referee)
		}
		return nil
	})
	return deleted, err
}

// Reimbursements returns pending claims against the referee ordered by sequence number.
func (s *BoltStore) Reimbursements(referee types.PubKey) ([]*types.Reimbursement, error) {
	var res []*types.Reimbursement
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(reimbursementsBucket).Bucket(referee)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			r, err := wire.DecodeReimbursement(string(v))
			if err != nil {
				return fmt.Errorf("decoding reimbursement %s/%d: %w", referee, util.BytesToUint64(k), err)
			}
			res = append(res, r)
			return nil
		})
	})
	return res, err
}

// Referees returns referees having pending claims against them, in ascending key order.
func (s *BoltStore) Referees() ([]types.PubKey, error) {
	var res []types.PubKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(reimbursementsBucket).ForEach(func(k, _ []byte) error {
			res = append(res, bytes.Clone(k))
			return nil
		})
	})
	return res, err
}

func seqKey(seq uint64, id []byte) []byte {
	return append(util.Uint64ToBytes(seq), id...)
}
