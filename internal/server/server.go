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

// Package server wires the three pipeline stages (Oracle, Request
// Processor, Persistence Processor) from a config.Config into a single
// running instance. There is no dependency-injection framework: every
// collaborator is constructed explicitly and handed to the next.
package server

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/oracle-tso/internal/client"
	"github.com/pingcap-incubator/oracle-tso/internal/commitlog"
	"github.com/pingcap-incubator/oracle-tso/internal/config"
	"github.com/pingcap-incubator/oracle-tso/internal/events"
	"github.com/pingcap-incubator/oracle-tso/internal/oracle"
	"github.com/pingcap-incubator/oracle-tso/internal/panicker"
	"github.com/pingcap-incubator/oracle-tso/internal/persistproc"
	"github.com/pingcap-incubator/oracle-tso/internal/requestproc"
	"github.com/pingcap-incubator/oracle-tso/internal/ring"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/clientv3"
	"go.uber.org/zap"
)

// Server owns the three stage singletons and the resources they were built
// from, so Close can release all of them.
type Server struct {
	cfg *config.Config

	oracle    *oracle.Oracle
	requests  *requestproc.Processor
	persist   *persistproc.Processor
	commitLog *commitlog.Log
	badgerDB  *badger.DB
	etcdCli   *clientv3.Client

	wg sync.WaitGroup
}

// TimestampRequest and CommitRequest are the two entry points the network
// front-end calls; they forward straight into the request ring.
func (s *Server) TimestampRequest(c client.Client) { s.requests.TimestampRequest(c) }

func (s *Server) CommitRequest(startTS uint64, rows []uint64, isRetry bool, c client.Client) {
	s.requests.CommitRequest(startTS, rows, isRetry, c)
}

// New constructs every collaborator and starts both stage goroutines.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	p := &panicker.Default{}

	commitLogPath := filepath.Join(cfg.DataDir, "commit.log")
	commitLog, err := commitlog.Open(commitLogPath)
	if err != nil {
		return nil, errors.Wrap(err, "server: open commit log")
	}

	var store oracle.Store
	var badgerDB *badger.DB
	var etcdCli *clientv3.Client
	switch cfg.TimestampStore {
	case "coordination":
		etcdCli, err = clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			commitLog.Close()
			return nil, errors.Wrap(err, "server: dial etcd")
		}
		store = oracle.NewEtcdStore(etcdCli, "/oracle-tso/ceiling")
	case "column-store":
		opts := badger.DefaultOptions
		opts.Dir = filepath.Join(cfg.DataDir, "ceiling")
		opts.ValueDir = opts.Dir
		badgerDB, err = badger.Open(opts)
		if err != nil {
			commitLog.Close()
			return nil, errors.Wrap(err, "server: open badger")
		}
		store = oracle.NewColumnStore(badgerDB, []byte("oracle/ceiling"))
	default:
		commitLog.Close()
		return nil, errors.Errorf("server: unknown timestamp-store %q", cfg.TimestampStore)
	}

	o, err := oracle.New(ctx, store, cfg.BatchSize, cfg.Threshold, p)
	if err != nil {
		commitLog.Close()
		return nil, errors.Wrap(err, "server: build oracle")
	}

	requestRing := ring.New[events.RequestEvent](cfg.RingCapacity)
	persistRing := ring.New[events.PersistEvent](cfg.RingCapacity)

	// 0 is itself a correct starting low-watermark when the commit log never
	// recorded an eviction, on a fresh cluster or otherwise, so no fallback
	// to the oracle's ceiling is needed or wanted here: that ceiling reflects
	// timestamps handed out, not rows evicted from the conflict map, and
	// substituting it would wrongly abort any commit with an older start_ts.
	initialLW := commitLog.HighestLowWatermark()
	reqProc := requestproc.New(requestRing, persistRing, o, cfg.MaxItems, initialLW, p)

	persistProc := persistproc.New(persistRing, commitLog, cfg.PersistBatchSize,
		time.Duration(cfg.PersistBatchTimeoutUs)*time.Microsecond, p)

	s := &Server{
		cfg:       cfg,
		oracle:    o,
		requests:  reqProc,
		persist:   persistProc,
		commitLog: commitLog,
		badgerDB:  badgerDB,
		etcdCli:   etcdCli,
	}

	s.wg.Add(2)
	go func() { defer s.wg.Done(); reqProc.Run(ctx) }()
	go func() { defer s.wg.Done(); persistProc.Run() }()

	log.Info("server: started",
		zap.String("timestamp_store", cfg.TimestampStore),
		zap.Uint64("initial_low_watermark", initialLW))
	return s, nil
}

// Close stops both stage goroutines and releases every resource New opened.
func (s *Server) Close() error {
	s.requests.Stop()
	s.persist.Stop()
	s.wg.Wait()

	var firstErr error
	if err := s.commitLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.badgerDB != nil {
		if err := s.badgerDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.etcdCli != nil {
		if err := s.etcdCli.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
