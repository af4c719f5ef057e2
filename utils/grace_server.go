package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReadTimeout     = 60 * time.Second
	defaultWriteTimeout    = defaultReadTimeout
	defaultShutdownTimeout = 30 * time.Second

	gracefulEnvKey     = "IS_GRACEFUL"
	gracefulEnvValue   = gracefulEnvKey + "=1"
	gracefulListenerFD = 3
)

// Server wraps http.Server with signal driven shutdown and zero-downtime restart.
// SIGINT/SIGTERM stop the server and run the shutdown hooks; SIGUSR2 forks a child that
// inherits the listener, then stops the parent.
type Server struct {
	*http.Server

	listener   net.Listener
	isGraceful bool
	logger     *zap.Logger

	signals  chan os.Signal
	stopped  chan struct{}
	stopOnce sync.Once

	hooksMu sync.Mutex
	hooks   []func(context.Context)
}

// NewServer creates a Server with timeouts and handler.
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  defaultReadTimeout,
			WriteTimeout: defaultWriteTimeout,
		},
		isGraceful: os.Getenv(gracefulEnvKey) != "",
		logger:     logger,
		signals:    make(chan os.Signal, 1),
		stopped:    make(chan struct{}),
	}
}

// OnShutdown registers fn to run after the HTTP server stopped accepting requests.
// Hooks run in registration order.
func (srv *Server) OnShutdown(fn func(context.Context)) {
	srv.hooksMu.Lock()
	srv.hooks = append(srv.hooks, fn)
	srv.hooksMu.Unlock()
}

// ListenAndServe serves until a stop signal or Stop and returns after the hooks ran.
func (srv *Server) ListenAndServe() error {
	ln, err := srv.listen()
	if err != nil {
		return err
	}
	return srv.Serve(ln)
}

// Serve serves on ln. See ListenAndServe.
func (srv *Server) Serve(ln net.Listener) error {
	srv.listener = ln
	signal.Notify(srv.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	defer signal.Stop(srv.signals)
	go srv.handleSignals()

	err := srv.Server.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		srv.Stop()
		return err
	}
	<-srv.stopped
	return nil
}

// Stop shuts the server down as if SIGTERM had been received.
func (srv *Server) Stop() {
	srv.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			srv.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			srv.logger.Info("HTTP server shutdown success")
		}

		srv.hooksMu.Lock()
		hooks := append([]func(context.Context){}, srv.hooks...)
		srv.hooksMu.Unlock()
		for _, fn := range hooks {
			fn(ctx)
		}
		close(srv.stopped)
	})
}

func (srv *Server) listen() (net.Listener, error) {
	if srv.isGraceful {
		ln, err := net.FileListener(os.NewFile(gracefulListenerFD, ""))
		if err != nil {
			return nil, fmt.Errorf("inherit listener: %w", err)
		}
		return ln, nil
	}
	addr := srv.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func (srv *Server) handleSignals() {
	for {
		select {
		case <-srv.stopped:
			return
		case sig := <-srv.signals:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				srv.logger.Info("received signal, graceful shutting down", zap.String("signal", sig.String()))
				srv.Stop()
				return
			case syscall.SIGUSR2:
				pid, err := srv.startChild()
				if err != nil {
					srv.logger.Error("start new process failed, continue serving", zap.Error(err))
					continue
				}
				srv.logger.Info("new process started, closing old HTTP server", zap.Int("pid", pid))
				srv.Stop()
				return
			}
		}
	}
}

func (srv *Server) startChild() (int, error) {
	tcpLn, ok := srv.listener.(*net.TCPListener)
	if !ok {
		return 0, fmt.Errorf("listener is %T, not *net.TCPListener", srv.listener)
	}
	file, err := tcpLn.File()
	if err != nil {
		return 0, fmt.Errorf("get listener file: %w", err)
	}
	defer file.Close()

	envs := make([]string, 0, len(os.Environ())+1)
	for _, e := range os.Environ() {
		if e != gracefulEnvValue {
			envs = append(envs, e)
		}
	}
	envs = append(envs, gracefulEnvValue)

	attr := &syscall.ProcAttr{
		Env:   envs,
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd(), file.Fd()},
	}
	pid, err := syscall.ForkExec(os.Args[0], os.Args, attr)
	if err != nil {
		return 0, fmt.Errorf("forkexec: %w", err)
	}
	return pid, nil
}
