package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stephnangue/keygate/logger"
)

type ApiListener struct {
	logger     logger.Logger
	server     *http.Server
	tlsEnabled bool
	certFile   string
	keyFile    string
	stopped    atomic.Bool
}

type ApiListenerConfig struct {
	Logger      logger.Logger
	Address     string
	TLSCertFile string
	TLSKeyFile  string
	TLSEnabled  bool
}

func NewApiListener(cfg ApiListenerConfig, httpHandler http.Handler) (*ApiListener, error) {
	if cfg.TLSEnabled && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return nil, errors.New("tls_cert_file and tls_key_file are required when TLS is enabled")
	}

	var handler http.Handler = httpHandler
	handler = middleware.RealIP(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recoverer(handler)

	server := &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		// Connectivity checks can hold a request open up to the
		// validation timeout ceiling.
		WriteTimeout: 45 * time.Second,
	}

	return &ApiListener{
		logger:     cfg.Logger,
		server:     server,
		tlsEnabled: cfg.TLSEnabled,
		certFile:   cfg.TLSCertFile,
		keyFile:    cfg.TLSKeyFile,
	}, nil
}

func (l *ApiListener) Addr() string {
	return l.server.Addr
}

func (l *ApiListener) Type() string {
	return "api"
}

// Start begins serving and blocks until the context is cancelled or the
// server fails.
func (l *ApiListener) Start(ctx context.Context) error {
	l.logger.Info("starting HTTP server")

	errChan := make(chan error, 1)
	go func() {
		var err error
		if l.tlsEnabled {
			err = l.server.ListenAndServeTLS(l.certFile, l.keyFile)
		} else {
			err = l.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("shutdown signal received")
		return l.Stop()
	case err := <-errChan:
		l.logger.Error("HTTP Server error", logger.Err(err))
		return err
	}
}

func (l *ApiListener) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		l.logger.Info("HTTP server already stopped, skipping")
		return nil
	}

	l.logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := l.server.Shutdown(ctx)
	if err != nil {
		l.logger.Error("error when shutting down the http server", logger.Err(err))
		return err
	}

	l.logger.Info("HTTP server stopped gracefully")
	return nil
}
