/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/config"
	"github.com/kentakayama/uptane-over-http/internal/server"
	"k8s.io/klog"
)

const shutdownTimeout = 10 * time.Second

// roleLogger routes the *log.Logger every role takes into klog.
func roleLogger() *log.Logger {
	return klog.NewStandardLogger("INFO")
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// serve runs roles until ctx is cancelled.
func serve(ctx context.Context, cfg config.ServerConfig, roles server.Roles) error {
	srv, err := server.New(cfg, roles)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	klog.Infof("Shutting down %s", cfg.Addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// every calls fn now and then at each interval until ctx is cancelled. A
// zero interval runs fn once.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
