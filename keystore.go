package onionshare

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/onionshare/internal/xerr"
)

const (
	keysBucket     = "keys"
	metadataBucket = "metadata"
	versionKey     = "version"
)

// ErrNoKey is returned by KeyStore.Get for an unknown persistent id.
var ErrNoKey = errors.New("no saved key")

// KeyRecord is what is saved for a persistent service, so it can be started
// again with the same address and slug.
type KeyRecord struct {
	Mode       Mode   `cbor:"1,keyasint"`
	PrivateKey string `cbor:"2,keyasint"`
	Slug       string `cbor:"3,keyasint,omitempty"`

	// ClientAuth is the base32 private key for client authorization.
	ClientAuth string    `cbor:"4,keyasint,omitempty"`
	Saved      time.Time `cbor:"5,keyasint"`
}

// KeyStore stores KeyRecords by persistent id in a bolt database.
type KeyStore struct {
	db *bolt.DB
}

// OpenKeyStore opens or creates the key store in file f. Use KeyStorePath for
// the default location.
func OpenKeyStore(f string) (*KeyStore, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(keysBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("keystore: incompatible version %v", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &KeyStore{db}, nil
}

// KeyStorePath returns the path of the key store in the data directory.
func KeyStorePath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "keys.db"), nil
}

// Get returns the record for id, or ErrNoKey.
func (ks *KeyStore) Get(id string) (*KeyRecord, error) {
	var r *KeyRecord
	err := ks.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket([]byte(keysBucket)).Get([]byte(id))
		if buf == nil {
			return ErrNoKey
		}
		r = new(KeyRecord)
		return cbor.Unmarshal(buf, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Put saves r under id, replacing any previous record.
func (ks *KeyStore) Put(id string, r KeyRecord) error {
	if id == "" {
		return xerr.Prefix(ErrInvalidSettings, "empty persistent id")
	}
	if r.Saved.IsZero() {
		r.Saved = time.Now().UTC().Truncate(time.Second)
	}
	buf, err := cbor.Marshal(r)
	if err != nil {
		return err
	}
	return ks.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).Put([]byte(id), buf)
	})
}

// Delete removes the record for id, returning ErrNoKey if there was none.
func (ks *KeyStore) Delete(id string) error {
	return ks.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keysBucket))
		if bkt.Get([]byte(id)) == nil {
			return ErrNoKey
		}
		return bkt.Delete([]byte(id))
	})
}

// List returns the persistent ids in the store, sorted.
func (ks *KeyStore) List() ([]string, error) {
	var l []string
	err := ks.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).ForEach(func(k, v []byte) error {
			l = append(l, string(k))
			return nil
		})
	})
	return l, err
}

func (ks *KeyStore) Close() error {
	return ks.db.Close()
}
