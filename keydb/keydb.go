// Package keydb persists generated keys and witness checkpoints in a bbolt
// database with a versioned schema.
//
// All records live in the data bucket under a fixed-size prefix made of a
// record type and the chain tag of the crypto scheme. The metadata bucket
// holds the schema version and the genesis hash of the network the
// database belongs to.
package keydb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
	"github.com/f3rmion/multisig/keygen"
	"github.com/f3rmion/multisig/metrics"
	"github.com/f3rmion/multisig/wire"
)

// LatestSchemaVersion must be bumped, with a migration, on every change to
// the stored data format.
const LatestSchemaVersion uint32 = 1

const (
	// FileName is the name of the database file inside the DB directory.
	FileName = "keys.db"
	// BackupsDir is created next to the DB directory before migrating.
	BackupsDir = "backups"

	backupTimeFormat = "20060102T150405Z"
	prefixSize       = 10
)

var (
	bucketData     = []byte("data")
	bucketMetadata = []byte("metadata")

	keySchemaVersion = []byte("db_schema_version")
	keyGenesisHash   = []byte("genesis_hash")

	keyPrefix        = []byte("key_____")
	checkpointPrefix = []byte("check___")
)

var (
	// ErrSchemaAhead is returned when the database was written by a newer
	// version of the software.
	ErrSchemaAhead = errors.New("database schema is ahead of the latest version")
	// ErrGenesisMismatch is returned when the database belongs to another
	// network.
	ErrGenesisMismatch = errors.New("genesis hash mismatch")
)

// Checkpoint records how far a chain has been witnessed.
type Checkpoint struct {
	EpochIndex  uint32 `msgpack:"epoch_index"`
	BlockNumber uint64 `msgpack:"block_number"`
}

// StoredKey is a key loaded from the database.
type StoredKey struct {
	ID   ceremony.KeyID
	Info *keygen.ResultInfo
}

// Options configures Open.
type Options struct {
	// GenesisHash is compared with, or recorded as, the genesis hash of
	// the database. Empty skips the check.
	GenesisHash []byte
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	// Now stamps backup directories. Defaults to time.Now.
	Now func() time.Time
}

// DB is the persistent key database.
type DB struct {
	db      *bbolt.DB
	dir     string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Open opens the database in directory dir, creating it at the latest
// schema version if missing. An older database is backed up and migrated.
func Open(dir string, opts Options) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.Named("keydb").With(zap.String("path", dir))

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}
	file := filepath.Join(dir, FileName)
	_, statErr := os.Stat(file)
	existing := statErr == nil

	bdb, err := bbolt.Open(file, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open database %s", file)
	}
	d := &DB{db: bdb, dir: dir, logger: logger, metrics: opts.Metrics}

	if err := d.init(existing, opts); err != nil {
		bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) init(existing bool, opts Options) error {
	if !existing {
		err := d.db.Update(func(tx *bbolt.Tx) error {
			if err := createBuckets(tx); err != nil {
				return err
			}
			return writeSchemaVersion(tx, LatestSchemaVersion)
		})
		if err != nil {
			return errors.Wrap(err, "initialise database")
		}
		d.logger.Info("created database", zap.Uint32("schema_version", LatestSchemaVersion))
		return d.checkGenesisHash(opts.GenesisHash)
	}

	if err := d.db.Update(createBuckets); err != nil {
		return errors.Wrap(err, "create buckets")
	}
	version, err := d.SchemaVersion()
	if err != nil {
		return err
	}
	d.logger.Info("opened database", zap.Uint32("schema_version", version))

	if err := d.checkGenesisHash(opts.GenesisHash); err != nil {
		return err
	}

	switch {
	case version == LatestSchemaVersion:
		return nil
	case version > LatestSchemaVersion:
		return errors.Wrapf(ErrSchemaAhead, "version %d, latest %d", version, LatestSchemaVersion)
	}

	backup, err := d.backup(version, opts.Now())
	if err != nil {
		return errors.Wrap(err, "back up database before migrating")
	}
	d.logger.Info("created database backup", zap.String("backup", backup))

	for v := version; v < LatestSchemaVersion; v++ {
		d.logger.Info("migrating database", zap.Uint32("from", v), zap.Uint32("to", v+1))
		if err := d.migrate(v); err != nil {
			return errors.Wrapf(err, "migrate database from version %d; restore %s or remove the database", v, backup)
		}
		d.metrics.Migrated(fmt.Sprint(v))
	}
	return nil
}

// Close releases the database file.
func (d *DB) Close() error {
	return d.db.Close()
}

// SchemaVersion returns the stored schema version. A database without one
// is at version 0.
func (d *DB) SchemaVersion() (uint32, error) {
	var version uint32
	err := d.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMetadata).Get(keySchemaVersion)
		if v == nil {
			return nil
		}
		if len(v) != 4 {
			return errors.Errorf("schema version must be 4 bytes, got %d", len(v))
		}
		version = binary.BigEndian.Uint32(v)
		return nil
	})
	return version, err
}

// GenesisHash returns the recorded genesis hash, nil if none.
func (d *DB) GenesisHash() ([]byte, error) {
	var hash []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMetadata).Get(keyGenesisHash); v != nil {
			hash = append([]byte(nil), v...)
		}
		return nil
	})
	return hash, err
}

func (d *DB) checkGenesisHash(expected []byte) error {
	if len(expected) == 0 {
		return nil
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		existing := meta.Get(keyGenesisHash)
		if existing == nil {
			return meta.Put(keyGenesisHash, expected)
		}
		if !bytes.Equal(existing, expected) {
			return errors.Wrapf(ErrGenesisMismatch, "database has %x, expected %x", existing, expected)
		}
		return nil
	})
}

// UpdateKey stores key under id, replacing any previous value.
func (d *DB) UpdateKey(scheme *frost.FROST, id ceremony.KeyID, key *keygen.ResultInfo) error {
	data, err := key.Marshal(scheme)
	if err != nil {
		return errors.Wrap(err, "encode key")
	}
	err = d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketData).Put(keyRecordKey(scheme.Tag(), id), data)
	})
	if err != nil {
		return errors.Wrapf(err, "store key %s", id)
	}
	d.metrics.KeyStored(scheme.Name())
	return nil
}

// LoadKeys returns every key of scheme, ordered by key id. Records that
// cannot be decoded are logged and skipped.
func (d *DB) LoadKeys(scheme *frost.FROST) ([]StoredKey, error) {
	var keys []StoredKey
	prefix := recordPrefix(keyPrefix, scheme.Tag())
	err := d.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketData).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			id, err := ceremony.KeyIDFromBytes(k[prefixSize:])
			if err != nil {
				d.logger.Error("skipping malformed key id", zap.Binary("key", k), zap.Error(err))
				continue
			}
			info, err := keygen.UnmarshalResultInfo(scheme, v)
			if err != nil {
				d.logger.Error("skipping undecodable key", zap.Stringer("key_id", id), zap.Error(err))
				continue
			}
			keys = append(keys, StoredKey{ID: id, Info: info})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		d.logger.Debug("loaded keys", zap.Int("count", len(keys)), zap.String("scheme", scheme.Name()))
	}
	return keys, nil
}

// UpdateCheckpoint stores the witness checkpoint of a chain.
func (d *DB) UpdateCheckpoint(tag frost.ChainTag, cp Checkpoint) error {
	data, err := wire.Marshal(&cp)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketData).Put(recordPrefix(checkpointPrefix, tag), data)
	})
}

// LoadCheckpoint returns the witness checkpoint of a chain, nil if none
// was stored.
func (d *DB) LoadCheckpoint(tag frost.ChainTag) (*Checkpoint, error) {
	var cp *Checkpoint
	err := d.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketData).Get(recordPrefix(checkpointPrefix, tag))
		if v == nil {
			return nil
		}
		cp = new(Checkpoint)
		return errors.Wrapf(wire.Unmarshal(v, cp), "decode checkpoint of chain %d", tag)
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// backup copies the database to a fresh directory under BackupsDir, next
// to the database directory.
func (d *DB) backup(version uint32, now time.Time) (string, error) {
	abs, err := filepath.Abs(d.dir)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("backup_v%d_%s_%s", version, now.UTC().Format(backupTimeFormat), filepath.Base(abs))
	target := filepath.Join(filepath.Dir(abs), BackupsDir, name)

	if _, err := os.Stat(target); err == nil {
		return "", errors.Errorf("backup directory %s already exists", target)
	}
	if err := os.MkdirAll(target, 0o700); err != nil {
		return "", errors.Wrap(err, "create backup directory")
	}
	err = d.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(filepath.Join(target, FileName), 0o600)
	})
	if err != nil {
		return "", errors.Wrap(err, "copy database")
	}
	return target, nil
}

func createBuckets(tx *bbolt.Tx) error {
	for _, name := range [][]byte{bucketData, bucketMetadata} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return errors.Wrapf(err, "create bucket %s", name)
		}
	}
	return nil
}

func writeSchemaVersion(tx *bbolt.Tx, version uint32) error {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], version)
	return tx.Bucket(bucketMetadata).Put(keySchemaVersion, v[:])
}

func recordPrefix(kind []byte, tag frost.ChainTag) []byte {
	out := make([]byte, 0, prefixSize)
	out = append(out, kind...)
	return append(out, tag.Bytes()...)
}

func keyRecordKey(tag frost.ChainTag, id ceremony.KeyID) []byte {
	return append(recordPrefix(keyPrefix, tag), id.Bytes()...)
}
