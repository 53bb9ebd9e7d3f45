package boltdb

import (
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/learnearn/vouchers/keyvaluedb"
)

var errTxClosed = errors.New("tx closed")

// Tx is read-write transaction on single bucket.
type Tx struct {
	tx  *bolt.Tx
	b   *bolt.Bucket
	enc EncodeFn
	dec DecodeFn
}

func NewBoltTx(db *bolt.DB, bucket []byte, e EncodeFn, d DecodeFn) (*Tx, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	tx, err := db.Begin(true)
	if err != nil {
		return nil, err
	}
	b := tx.Bucket(bucket)
	if b == nil {
		return nil, errors.Join(fmt.Errorf("bucket %q not found", bucket), tx.Rollback())
	}
	return &Tx{tx: tx, b: b, enc: e, dec: d}, nil
}

// usable returns error when the transaction has been committed or rolled back.
func (t *Tx) usable(op string) error {
	if t.tx.DB() == nil {
		return fmt.Errorf("bolt tx %s failed: %w", op, errTxClosed)
	}
	return nil
}

func (t *Tx) Read(key []byte, v any) (bool, error) {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return false, err
	}
	if err := t.usable("read"); err != nil {
		return false, err
	}
	data := t.b.Get(key)
	if data == nil {
		return false, nil
	}
	return true, t.dec(data, v)
}

func (t *Tx) Write(key []byte, value any) error {
	if err := keyvaluedb.CheckKeyAndValue(key, value); err != nil {
		return err
	}
	if err := t.usable("write"); err != nil {
		return err
	}
	b, err := t.enc(value)
	if err != nil {
		return fmt.Errorf("encoding value: %w", err)
	}
	return t.b.Put(key, b)
}

func (t *Tx) Delete(key []byte) error {
	if err := keyvaluedb.CheckKey(key); err != nil {
		return err
	}
	if err := t.usable("delete"); err != nil {
		return err
	}
	return t.b.Delete(key)
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}
