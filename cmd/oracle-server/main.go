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

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap-incubator/oracle-tso/internal/config"
	"github.com/pingcap-incubator/oracle-tso/internal/server"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg := config.NewConfig()
	err := cfg.Parse(os.Args[1:])
	switch errors.Cause(err) {
	case nil:
	case flag.ErrHelp:
		exit(0)
	default:
		log.Fatal("parse cmd flags error", zap.Error(err))
	}

	lg, props, err := log.InitLogger(&cfg.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		log.Fatal("initialize logger error", zap.Error(err))
	}
	log.ReplaceGlobals(lg, props)
	defer log.Sync()

	for _, msg := range cfg.WarningMsgs {
		log.Warn(msg)
	}

	ctx, cancel := context.WithCancel(context.Background())

	svr, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal("create server failed", zap.Error(err))
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	var sig os.Signal
	go func() {
		sig = <-sc
		cancel()
	}()

	<-ctx.Done()
	log.Info("got signal to exit", zap.String("signal", sig.String()))

	if err := svr.Close(); err != nil {
		log.Error("server close failed", zap.Error(err))
	}
	switch sig {
	case syscall.SIGTERM:
		exit(0)
	default:
		exit(0)
	}
}

func exit(code int) {
	log.Sync()
	os.Exit(code)
}
