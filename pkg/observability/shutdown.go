package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownManager handles graceful shutdown of services
type ShutdownManager struct {
	logger          *Logger
	servers         map[string]*http.Server
	shutdownFuncs   map[string]ShutdownFunc
	order           []string
	shutdownTimeout time.Duration
	mu              sync.Mutex
}

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          logger,
		servers:         make(map[string]*http.Server),
		shutdownFuncs:   make(map[string]ShutdownFunc),
		shutdownTimeout: timeout,
	}
}

// RegisterServer registers an HTTP server to drain during shutdown.
func (sm *ShutdownManager) RegisterServer(name string, server *http.Server) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.servers[name] = server
}

// RegisterShutdownFunc registers a named cleanup to run after the servers
// stop accepting requests.
func (sm *ShutdownManager) RegisterShutdownFunc(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.shutdownFuncs[name] = fn
	sm.order = append(sm.order, name)
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then drains servers and runs
// the registered cleanups.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	sm.logger.Infof("Received signal %s, starting graceful shutdown", sig)

	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	return sm.Shutdown(ctx)
}

// Shutdown drains all registered servers, then runs cleanups in
// registration order.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	servers := sm.servers
	order := sm.order
	funcs := sm.shutdownFuncs
	sm.mu.Unlock()

	var wg sync.WaitGroup
	errChan := make(chan error, len(servers)+len(funcs))

	for name, srv := range servers {
		wg.Add(1)
		go func(name string, srv *http.Server) {
			defer wg.Done()
			sm.logger.Infof("Shutting down %s server", name)
			if err := srv.Shutdown(ctx); err != nil {
				sm.logger.WithError(err).Errorf("%s server shutdown error", name)
				errChan <- fmt.Errorf("%s server shutdown: %w", name, err)
				return
			}
			sm.logger.Infof("%s server shutdown complete", name)
		}(name, srv)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sm.logger.Warn("Shutdown timeout reached while draining servers")
		return fmt.Errorf("shutdown timeout reached")
	}

	// Cleanups run sequentially in registration order so the job queue
	// drains before the DB pool closes underneath it.
	for _, name := range order {
		sm.logger.Infof("Running shutdown hook %s", name)
		if err := funcs[name](ctx); err != nil {
			sm.logger.WithError(err).Errorf("Shutdown hook %s failed", name)
			errChan <- fmt.Errorf("shutdown hook %s: %w", name, err)
		}
		if ctx.Err() != nil {
			sm.logger.Warn("Shutdown timeout reached during cleanup hooks")
			return fmt.Errorf("shutdown timeout reached")
		}
	}

	close(errChan)
	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d errors", len(errs))
	}

	sm.logger.Info("Graceful shutdown complete")
	return nil
}
