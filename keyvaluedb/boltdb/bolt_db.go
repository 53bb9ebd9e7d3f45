package boltdb

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/learnearn/vouchers/keyvaluedb"
)

type (
	EncodeFn func(v any) ([]byte, error)
	DecodeFn func(data []byte, v any) error

	/*
	BoltDB is key-value store in single bucket of a Bolt file. Stores which
	need separate key spaces use key prefixes or their own file.
	*/
	BoltDB struct {
		db  *bolt.DB
		enc EncodeFn
		dec DecodeFn
	}
)

var bucketName = []byte("kv")

// New opens (creating when it doesn't exist) Bolt DB in "dbFile", values are CBOR encoded.
func New(dbFile string) (*BoltDB, error) {
	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db %s: %w", dbFile, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		return nil, errors.Join(fmt.Errorf("creating bucket: %w", err), db.Close())
	}
	return &BoltDB{db: db, enc: cbor.Marshal, dec: cbor.Unmarshal}, nil
}

func (db *BoltDB) Path() string {
	return db.db.Path()
}

func (db *BoltDB) Empty() bool {
	empty := true
	_ = db.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketName).Cursor().First()
		empty = k == nil
		return nil
	})
	return empty
}

func (db *BoltDB) Read(key []byte, v any) (found bool, err error) {
	if err := keyvaluedb.CheckKeyAndValue(key, v); err != nil {
		return false, err
	}
	err = db.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get(key)
		if found = data != nil; !found {
			return nil
		}
		return db.dec(data, v)
	})
	if err != nil {
		return found, fmt.Errorf("bolt db read failed: %w", err)
	}
	return found, nil
}

// Write stores single value in its own transaction.
func (db *BoltDB) Write(key []byte, v any) error {
	if err := db.update(func(tx *Tx) error { return tx.Write(key, v) }); err != nil {
		return fmt.Errorf("bolt db write failed: %w", err)
	}
	return nil
}

func (db *BoltDB) Delete(key []byte) error {
	if err := db.update(func(tx *Tx) error { return tx.Delete(key) }); err != nil {
		return fmt.Errorf("bolt db delete failed: %w", err)
	}
	return nil
}

func (db *BoltDB) update(fn func(tx *Tx) error) error {
	return db.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx, b: btx.Bucket(bucketName), enc: db.enc, dec: db.dec})
	})
}

// StartTx starts read-write transaction, Bolt allows only one of them at a time.
func (db *BoltDB) StartTx() (keyvaluedb.DBTransaction, error) {
	tx, err := NewBoltTx(db.db, bucketName, db.enc, db.dec)
	if err != nil {
		return nil, fmt.Errorf("starting bolt tx: %w", err)
	}
	return tx, nil
}

func (db *BoltDB) Close() error {
	if db.db == nil {
		return nil
	}
	return db.db.Close()
}
