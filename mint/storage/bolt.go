package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cashumint/mintd/cashu"
	"github.com/cashumint/mintd/mint/lightning"
	bolt "go.etcd.io/bbolt"
)

const (
	keysetsBucket    = "keysets"
	configBucket     = "config"
	invoicesBucket   = "invoices"
	hashBucket       = "hash"
	usedProofsBucket = "used_proofs"
)

// config bucket keys
const (
	activeKeysetKey  = "active_keyset"
	lastPayIndexKey  = "last_pay_index"
	inCirculationKey = "in_circulation"
)

// BoltDB implements MintDB on bbolt. One bucket per table; values are
// JSON. bbolt serializes writers internally and a single db.Update
// covers every multi-bucket mutation.
type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "mint.db"), 0600,
		&bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening db: %v", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{
			keysetsBucket, configBucket, invoicesBucket, hashBucket, usedProofsBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error creating buckets: %v", err)
	}

	return &BoltDB{bolt: db}, nil
}

func (db *BoltDB) AddKeyset(info KeysetInfo) error {
	jsonKeyset, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		return keysetsb.Put([]byte(info.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetAllKeysetInfo() (map[string]KeysetInfo, error) {
	keysets := make(map[string]KeysetInfo)

	err := db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))

		c := keysetsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var info KeysetInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return fmt.Errorf("invalid keyset in db: %v", err)
			}
			keysets[string(k)] = info
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return keysets, nil
}

func (db *BoltDB) SetActiveKeyset(id string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		configb := tx.Bucket([]byte(configBucket))
		return configb.Put([]byte(activeKeysetKey), []byte(id))
	})
}

func (db *BoltDB) GetActiveKeyset() (string, error) {
	var id string
	err := db.bolt.View(func(tx *bolt.Tx) error {
		configb := tx.Bucket([]byte(configBucket))
		idBytes := configb.Get([]byte(activeKeysetKey))
		if idBytes == nil {
			return ErrNotFound
		}
		id = string(idBytes)
		return nil
	})
	return id, err
}

func (db *BoltDB) SetLastPayIndex(payIndex uint64) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		configb := tx.Bucket([]byte(configBucket))
		return configb.Put([]byte(lastPayIndexKey), []byte(strconv.FormatUint(payIndex, 10)))
	})
}

func (db *BoltDB) GetLastPayIndex() (uint64, error) {
	var payIndex uint64
	err := db.bolt.View(func(tx *bolt.Tx) error {
		configb := tx.Bucket([]byte(configBucket))
		v := configb.Get([]byte(lastPayIndexKey))
		if v == nil {
			// defaults to 0 if never set
			return nil
		}
		var err error
		payIndex, err = strconv.ParseUint(string(v), 10, 64)
		return err
	})
	return payIndex, err
}

func (db *BoltDB) SetInCirculation(amount uint64) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		configb := tx.Bucket([]byte(configBucket))
		return configb.Put([]byte(inCirculationKey), []byte(strconv.FormatUint(amount, 10)))
	})
}

func (db *BoltDB) GetInCirculation() (uint64, error) {
	var amount uint64
	err := db.bolt.View(func(tx *bolt.Tx) error {
		configb := tx.Bucket([]byte(configBucket))
		v := configb.Get([]byte(inCirculationKey))
		if v == nil {
			return nil
		}
		var err error
		amount, err = strconv.ParseUint(string(v), 10, 64)
		return err
	})
	return amount, err
}

func (db *BoltDB) AddInvoice(invoice lightning.InvoiceInfo) error {
	jsonInvoice, err := json.Marshal(invoice)
	if err != nil {
		return fmt.Errorf("invalid invoice: %v", err)
	}

	// invoice record and payment hash index committed together so a
	// crash mid-write cannot leave them inconsistent
	return db.bolt.Update(func(tx *bolt.Tx) error {
		invoicesb := tx.Bucket([]byte(invoicesBucket))
		if err := invoicesb.Put([]byte(invoice.Hash), jsonInvoice); err != nil {
			return err
		}

		hashb := tx.Bucket([]byte(hashBucket))
		return hashb.Put([]byte(invoice.PaymentHash), []byte(invoice.Hash))
	})
}

func (db *BoltDB) GetInvoice(hash string) (lightning.InvoiceInfo, error) {
	var invoice lightning.InvoiceInfo

	err := db.bolt.View(func(tx *bolt.Tx) error {
		invoicesb := tx.Bucket([]byte(invoicesBucket))
		invoiceBytes := invoicesb.Get([]byte(hash))
		if invoiceBytes == nil {
			return ErrNotFound
		}
		return json.Unmarshal(invoiceBytes, &invoice)
	})
	return invoice, err
}

func (db *BoltDB) GetInvoiceByPaymentHash(paymentHash string) (lightning.InvoiceInfo, error) {
	var invoice lightning.InvoiceInfo

	err := db.bolt.View(func(tx *bolt.Tx) error {
		hashb := tx.Bucket([]byte(hashBucket))
		hash := hashb.Get([]byte(paymentHash))
		if hash == nil {
			return ErrNotFound
		}

		invoicesb := tx.Bucket([]byte(invoicesBucket))
		invoiceBytes := invoicesb.Get(hash)
		if invoiceBytes == nil {
			return ErrNotFound
		}
		return json.Unmarshal(invoiceBytes, &invoice)
	})
	return invoice, err
}

func (db *BoltDB) UpdateInvoiceStatus(hash string, status lightning.InvoiceStatus, confirmedAt *int64) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		invoicesb := tx.Bucket([]byte(invoicesBucket))
		invoiceBytes := invoicesb.Get([]byte(hash))
		if invoiceBytes == nil {
			return ErrNotFound
		}

		var invoice lightning.InvoiceInfo
		if err := json.Unmarshal(invoiceBytes, &invoice); err != nil {
			return fmt.Errorf("invalid invoice found in db: %v", err)
		}

		// Paid is terminal. A stale status probe racing a settlement
		// must not move the record backwards.
		if invoice.Status == lightning.Paid {
			return nil
		}

		invoice.Status = status
		if confirmedAt != nil {
			invoice.ConfirmedAt = confirmedAt
		}

		jsonInvoice, err := json.Marshal(invoice)
		if err != nil {
			return fmt.Errorf("invalid invoice: %v", err)
		}
		return invoicesb.Put([]byte(hash), jsonInvoice)
	})
}

func (db *BoltDB) MarkTokensIssued(hash string, inCirculation uint64) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		invoicesb := tx.Bucket([]byte(invoicesBucket))
		invoiceBytes := invoicesb.Get([]byte(hash))
		if invoiceBytes == nil {
			return ErrNotFound
		}

		var invoice lightning.InvoiceInfo
		if err := json.Unmarshal(invoiceBytes, &invoice); err != nil {
			return fmt.Errorf("invalid invoice found in db: %v", err)
		}
		invoice.TokenStatus = lightning.Issued

		jsonInvoice, err := json.Marshal(invoice)
		if err != nil {
			return fmt.Errorf("invalid invoice: %v", err)
		}
		if err := invoicesb.Put([]byte(hash), jsonInvoice); err != nil {
			return err
		}

		configb := tx.Bucket([]byte(configBucket))
		circulation := strconv.FormatUint(inCirculation, 10)
		return configb.Put([]byte(inCirculationKey), []byte(circulation))
	})
}

func (db *BoltDB) AddUsedProofs(proofs cashu.Proofs) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		usedProofsb := tx.Bucket([]byte(usedProofsBucket))
		for _, proof := range proofs {
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := usedProofsb.Put([]byte(proof.Secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetUsedProofs() (cashu.Proofs, error) {
	proofs := cashu.Proofs{}

	err := db.bolt.View(func(tx *bolt.Tx) error {
		usedProofsb := tx.Bucket([]byte(usedProofsBucket))

		c := usedProofsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof cashu.Proof
			if err := json.Unmarshal(v, &proof); err != nil {
				return fmt.Errorf("invalid proof in db: %v", err)
			}
			proofs = append(proofs, proof)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return proofs, nil
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}
