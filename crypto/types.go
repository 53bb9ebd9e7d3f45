package crypto

type (
	/*
	Signer holds the private key of an account: the referee signing diplomas
	and reimbursement batches, or the worker signing usage rights.
	*/
	Signer interface {
		// SignBytes returns compact recoverable signature over the SHA256 hash of "data".
		SignBytes(data []byte) ([]byte, error)
		// MarshalPrivateKey returns raw private key, used to persist the account key.
		MarshalPrivateKey() ([]byte, error)
		Verifier() (Verifier, error)
	}

	// Verifier checks signatures of a single public key.
	Verifier interface {
		VerifyBytes(sig []byte, data []byte) error
		// MarshalPublicKey returns the key in compressed form.
		MarshalPublicKey() ([]byte, error)
	}
)
