/*
Package keyvaluedb is the small key-value store abstraction used for local
bookkeeping which doesn't need indexes (ie last used sequence numbers).
Values are encoded by the backend, callers pass Go values.
*/
package keyvaluedb

type (
	Reader interface {
		// Read decodes value of the key into "value", returns false when key is not present.
		Read(key []byte, value any) (bool, error)
	}

	Writer interface {
		Write(key []byte, value any) error
		// Delete of missing key is not an error.
		Delete(key []byte) error
	}

	/*
	DBTransaction must be finished with Commit or Rollback, backends allow
	only one read-write transaction at a time.
	*/
	DBTransaction interface {
		Reader
		Writer
		Commit() error
		Rollback() error
	}

	KeyValueDB interface {
		Reader
		Writer
		StartTx() (DBTransaction, error)
		Empty() bool
	}
)
