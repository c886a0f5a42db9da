/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kentakayama/uptane-over-http/internal/config"
	"github.com/kentakayama/uptane-over-http/internal/director"
	"github.com/kentakayama/uptane-over-http/internal/domain"
	"github.com/kentakayama/uptane-over-http/internal/primary"
	"github.com/kentakayama/uptane-over-http/internal/timeserver"
)

// Roles are the services one Server exposes. Any of them may be nil.
type Roles struct {
	Director   *director.Director
	Primary    *primary.Primary
	Timeserver *timeserver.Timeserver

	// Repositories maps a mirror name to the directory its repository
	// publishes into, served under /repo/<name>/.
	Repositories map[string]string
}

// Server wires the HTTP listener and request handling stack.
type Server struct {
	cfg     config.ServerConfig
	handler *handler
	http    *http.Server
	logger  *log.Logger
}

// New constructs a Server exposing roles.
func New(cfg config.ServerConfig, roles Roles) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if roles.Director == nil && roles.Primary == nil && roles.Timeserver == nil && len(roles.Repositories) == 0 {
		return nil, fmt.Errorf("%w: server has nothing to serve", domain.ErrInvalidConfig)
	}

	h, err := newHandler(roles, logger)
	if err != nil {
		return nil, err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{
		cfg:     cfg,
		handler: h,
		http:    httpSrv,
		logger:  logger,
	}, nil
}

// Handler returns the request handler, for use with an external listener.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("Run %s on %s.", s.describe(), s.http.Addr)

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully takes down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) describe() string {
	var roles []string
	if s.handler.director != nil {
		roles = append(roles, "Director")
	}
	if s.handler.primary != nil {
		roles = append(roles, "Primary")
	}
	if s.handler.timeserver != nil {
		roles = append(roles, "Timeserver")
	}
	names := make([]string, 0, len(s.handler.repositories))
	for name := range s.handler.repositories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		roles = append(roles, "mirror "+name)
	}
	return strings.Join(roles, ", ")
}
