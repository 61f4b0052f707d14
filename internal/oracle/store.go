// Copyright 2024 The Oracle Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package oracle

import (
	"context"
	"encoding/binary"

	"github.com/coocood/badger"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/clientv3"
)

// Store is the timestamp oracle's durable ceiling backend. Load reads the
// current ceiling at startup (0 if none has ever been persisted).
// Save conditionally bumps the ceiling from prevCeiling to newCeiling and
// must fail (never silently no-op) if prevCeiling no longer matches what's
// durably stored, since that means another process (a previous epoch of
// this same leader, or a split-brain second leader) already moved it.
type Store interface {
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, prevCeiling, newCeiling uint64) error
}

// EtcdStore persists the ceiling as a big-endian uint64 in a single etcd
// key, written with a conditional transaction (compare-on-value), the same
// shape scheduler/server/tso.go's saveTimestamp uses against the PD leader
// key: a plain clientv3.Txn guarded by an If clause, not a lease or STM,
// since the request processor is this etcd key's only writer at a time (the
// surrounding leader-election layer guarantees that).
type EtcdStore struct {
	Client *clientv3.Client
	Key    string
}

func NewEtcdStore(c *clientv3.Client, key string) *EtcdStore {
	return &EtcdStore{Client: c, Key: key}
}

func (s *EtcdStore) Load(ctx context.Context) (uint64, error) {
	resp, err := s.Client.Get(ctx, s.Key)
	if err != nil {
		return 0, errors.Wrap(err, "etcd get ceiling")
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	return decodeCeiling(resp.Kvs[0].Value)
}

func (s *EtcdStore) Save(ctx context.Context, prevCeiling, newCeiling uint64) error {
	encoded := encodeCeiling(newCeiling)
	var cmp clientv3.Cmp
	if prevCeiling == 0 {
		// No ceiling has ever been written: require the key still be absent.
		cmp = clientv3.Compare(clientv3.CreateRevision(s.Key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.Value(s.Key), "=", string(encodeCeiling(prevCeiling)))
	}
	resp, err := s.Client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(s.Key, string(encoded))).
		Commit()
	if err != nil {
		return errors.Wrap(err, "etcd save ceiling")
	}
	if !resp.Succeeded {
		return errors.New("etcd save ceiling: conditional write lost, ceiling moved under us")
	}
	return nil
}

func encodeCeiling(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeCeiling(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("oracle: malformed ceiling record (%d bytes)", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// ColumnStore persists the ceiling as a single cell in the embedded
// column-store engine (badger) this node already runs for its data, for
// deployments that don't run a separate coordination service.
type ColumnStore struct {
	DB  *badger.DB
	Key []byte
}

func NewColumnStore(db *badger.DB, key []byte) *ColumnStore {
	return &ColumnStore{DB: db, Key: key}
}

func (s *ColumnStore) Load(ctx context.Context) (uint64, error) {
	var ceiling uint64
	err := s.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.Key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		ceiling, err = decodeCeiling(val)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "badger load ceiling")
	}
	return ceiling, nil
}

func (s *ColumnStore) Save(ctx context.Context, prevCeiling, newCeiling uint64) error {
	err := s.DB.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(s.Key)
		var current uint64
		switch {
		case err == badger.ErrKeyNotFound:
			current = 0
		case err != nil:
			return err
		default:
			val, verr := item.Value()
			if verr != nil {
				return verr
			}
			current, verr = decodeCeiling(val)
			if verr != nil {
				return verr
			}
		}
		if current != prevCeiling {
			return errors.New("badger save ceiling: conditional write lost, ceiling moved under us")
		}
		return txn.Set(s.Key, encodeCeiling(newCeiling))
	})
	if err != nil {
		return errors.Wrap(err, "badger save ceiling")
	}
	return nil
}
