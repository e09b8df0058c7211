package keydb

import (
	"bytes"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/f3rmion/multisig/ceremony"
	"github.com/f3rmion/multisig/frost"
)

// migrate moves the database from version to version+1 in a single
// transaction, schema version included.
func (d *DB) migrate(version uint32) error {
	var step func(tx *bbolt.Tx) error
	switch version {
	case 0:
		step = migrate0To1
	default:
		return errors.Errorf("no migration from version %d", version)
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		if err := step(tx); err != nil {
			return err
		}
		return writeSchemaVersion(tx, version+1)
	})
}

// migrate0To1 rewrites keys stored under a bare public key to a key id of
// epoch 0. Records already in the new format are left alone.
func migrate0To1(tx *bbolt.Tx) error {
	data := tx.Bucket(bucketData)
	for _, scheme := range frost.Schemes() {
		prefix := recordPrefix(keyPrefix, scheme.Tag())
		pointLen := scheme.Group().PointLen()

		type record struct{ key, value []byte }
		var legacy []record
		c := data.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if len(k)-prefixSize != pointLen {
				continue
			}
			legacy = append(legacy, record{
				key:   append([]byte(nil), k...),
				value: append([]byte(nil), v...),
			})
		}

		for _, r := range legacy {
			id := ceremony.KeyID{EpochIndex: 0, PublicKey: r.key[prefixSize:]}
			if err := data.Put(keyRecordKey(scheme.Tag(), id), r.value); err != nil {
				return errors.Wrap(err, "write migrated key")
			}
			if err := data.Delete(r.key); err != nil {
				return errors.Wrap(err, "delete legacy key")
			}
		}
	}
	return nil
}
