// Package api exposes the lab lifecycle over HTTP.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/armon/go-metrics"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	log "github.com/sirupsen/logrus"

	"github.com/javanstorm/nodelab/internal/lab"
	"github.com/javanstorm/nodelab/internal/vm"
)

// Lab is the lifecycle surface served over HTTP.
type Lab interface {
	List(ctx context.Context) ([]lab.InstanceView, error)
	CreateNode(ctx context.Context) (*vm.Instance, error)
	CreateRouter(ctx context.Context) (*vm.Instance, error)
	Run(ctx context.Context, name string) (*lab.RunResult, error)
	Stop(ctx context.Context, name string) (*lab.StopResult, error)
	Wipe(ctx context.Context, name string) (*lab.WipeResult, error)
	WipeAll(ctx context.Context) (*lab.WipeAllResult, error)
}

// Server is the management HTTP server.
type Server struct {
	lab        Lab
	sink       *metrics.InmemSink
	corsOrigin string
	http       *http.Server
	// accessLog feeds request lines to logrus until Shutdown closes it.
	accessLog *io.PipeWriter
}

// NewServer creates a server listening on addr. sink may be nil, in which
// case /metrics is not registered.
func NewServer(addr string, l Lab, sink *metrics.InmemSink, corsOrigin string) *Server {
	s := &Server{
		lab:        l,
		sink:       sink,
		corsOrigin: corsOrigin,
		accessLog:  log.StandardLogger().WriterLevel(log.InfoLevel),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler returns the routed handler with common middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	nodes := router.PathPrefix("/nodes").Subrouter()
	nodes.HandleFunc("", s.listNodes).Methods("GET")
	nodes.HandleFunc("", s.createNode).Methods("POST")
	nodes.HandleFunc("/router", s.createRouter).Methods("POST")
	nodes.HandleFunc("/wipeAll", s.wipeAll).Methods("POST")
	nodes.HandleFunc("/{id}/run", s.runNode).Methods("POST")
	nodes.HandleFunc("/{id}/stop", s.stopNode).Methods("POST")
	nodes.HandleFunc("/{id}/wipe", s.wipeNode).Methods("POST")

	if s.sink != nil {
		router.HandleFunc("/metrics", s.metrics).Methods("GET")
	}

	common := alice.New(
		func(h http.Handler) http.Handler {
			return handlers.CombinedLoggingHandler(s.accessLog, h)
		},
		handlers.RecoveryHandler(
			handlers.RecoveryLogger(log.StandardLogger()),
			handlers.PrintRecoveryStack(true),
		),
		handlers.CORS(
			handlers.AllowedOrigins([]string{s.corsOrigin}),
			handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		),
		handlers.CompressHandler,
	)
	return common.Then(router)
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.WithField("addr", s.http.Addr).Info("api listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// the access log.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.accessLog.Close()
	return err
}
