// Package server implements the daemon's request dispatcher: a gRPC
// service on a unix socket in front of the device registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/spf13/afero"
	"google.golang.org/grpc"

	"github.com/frobware/go-persistenced"
	"github.com/frobware/go-persistenced/config"
	"github.com/frobware/go-persistenced/hotplug"
	"github.com/frobware/go-persistenced/kernel"
	"github.com/frobware/go-persistenced/lock"
	"github.com/frobware/go-persistenced/logging"
	"github.com/frobware/go-persistenced/manager"
	"github.com/frobware/go-persistenced/nvcfg"
	"github.com/frobware/go-persistenced/rpc"
	"github.com/frobware/go-persistenced/store/sqlite"
)

// Registry is the device registry the server dispatches to.
type Registry interface {
	SetPersistenceMode(ctx context.Context, addr persistenced.PCIAddress, mode persistenced.PersistenceMode) error
	SetPersistenceModeOnly(ctx context.Context, addr persistenced.PCIAddress, mode persistenced.PersistenceMode) error
	SetNumaStatus(ctx context.Context, addr persistenced.PCIAddress, status persistenced.NumaStatus) error
	PersistenceMode(addr persistenced.PCIAddress) (persistenced.PersistenceMode, error)
	Devices() []persistenced.DeviceState
	History(ctx context.Context, limit int) ([]persistenced.Transition, error)
}

// RunConfig configures the daemon.
type RunConfig struct {
	Dirs   config.RuntimeDirs
	Config config.Config
	Logger *slog.Logger

	// Provider replaces the provider selected by Config.
	Provider nvcfg.Provider
	// Opener replaces device file access under Config.Numa.
	Opener kernel.Opener
	// Sysfs replaces the host filesystem for memory hotplug.
	Sysfs afero.Fs
}

// Run starts the daemon and serves requests until ctx is cancelled,
// then disables every device and releases the runtime files.
func Run(ctx context.Context, cfg RunConfig) error {
	dirs := cfg.Dirs

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	// The op_id is assigned per request by the server.
	logger = manager.WithOpIDHandler(logger)

	if err := dirs.EnsureDirectories(); err != nil {
		return fmt.Errorf("runtime directory setup failed: %w", err)
	}

	pid, err := lock.TryAcquire(dirs.PIDFile())
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			if other, rerr := lock.ReadPID(dirs.PIDFile()); rerr == nil {
				return fmt.Errorf("nvidia-persistenced is already running (pid %d)", other)
			}
		}
		return fmt.Errorf("failed to lock PID file: %w", err)
	}
	defer func() {
		if err := pid.Release(); err != nil {
			logger.Error("failed to release PID file", "path", pid.Path(), "error", err)
		}
	}()

	var journal manager.Journal
	if cfg.Config.Journal.Enabled {
		j, err := sqlite.New(ctx, dirs.JournalPath(), cfg.Config.Journal.MaxEntries, logger)
		if err != nil {
			return fmt.Errorf("failed to open journal at %s: %w", dirs.JournalPath(), err)
		}
		defer j.Close()
		journal = j
	} else {
		logger.Info("transition journal disabled")
	}

	provider := cfg.Provider
	if provider == nil {
		if provider, err = nvcfg.New(cfg.Config, logger); err != nil {
			return fmt.Errorf("failed to load device provider: %w", err)
		}
	}

	opener := cfg.Opener
	if opener == nil {
		opener = kernel.NewDeviceOpener(afero.NewOsFs(), cfg.Config.Numa.ProcfsRoot, cfg.Config.Numa.DevRoot, logger)
	}
	var hp *hotplug.Controller
	if cfg.Sysfs != nil {
		hp = hotplug.New(cfg.Sysfs, cfg.Config.Numa.SysfsRoot, logger)
	} else {
		hp = hotplug.NewOS(cfg.Config.Numa.SysfsRoot, logger)
	}

	defaultMode := persistenced.PersistenceDisabled
	if cfg.Config.Daemon.PersistenceMode {
		defaultMode = persistenced.PersistenceEnabled
	}

	mgr, err := manager.New(ctx, provider, manager.NumaCoordinators(opener, hp, logger), manager.Options{
		DefaultMode: defaultMode,
		Journal:     journal,
	}, logger)
	if err != nil {
		if rerr := provider.Release(); rerr != nil {
			logger.Warn("failed to release device provider", "error", rerr)
		}
		return fmt.Errorf("device setup failed: %w", err)
	}
	defer func() {
		if err := mgr.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("device teardown incomplete", "error", err)
		}
	}()

	if cfg.Config.Daemon.PprofAddress != "" {
		pprofListener, err := net.Listen("tcp", cfg.Config.Daemon.PprofAddress)
		if err != nil {
			return fmt.Errorf("pprof listen on %s: %w", cfg.Config.Daemon.PprofAddress, err)
		}
		pprofServer := &http.Server{}
		logger.Info("pprof HTTP server listening", "address", pprofListener.Addr().String())
		go func() {
			if err := pprofServer.Serve(pprofListener); err != nil && err != http.ErrServerClosed {
				logger.Error("pprof HTTP server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			pprofServer.Close()
		}()
	}

	srv := New(mgr, logger)
	return srv.serve(ctx, dirs.SocketPath(), cfg.Config.Daemon.SocketMode.Perm())
}

// Server implements rpc.Service.
type Server struct {
	reg       Registry
	logger    *slog.Logger
	opCounter atomic.Uint64
}

var _ rpc.Service = (*Server)(nil)

// New returns a Server dispatching to reg.
func New(reg Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		reg:    reg,
		logger: manager.WithOpIDHandler(logger).With("component", "server"),
	}
}

// GRPCServer returns a gRPC server with the service registered,
// reading caller credentials from unix socket connections.
func (s *Server) GRPCServer() *grpc.Server {
	gs := grpc.NewServer(
		grpc.Creds(rpc.PeerCredentials()),
		grpc.UnaryInterceptor(s.loggingInterceptor()),
	)
	rpc.RegisterService(gs, s)
	return gs
}

// serve listens on socketPath until ctx is cancelled. The socket is
// removed on return.
func (s *Server) serve(ctx context.Context, socketPath string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer func() {
		if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
			s.logger.Error("failed to unlink socket", "socket", socketPath, "error", err)
		}
	}()

	// Reads are open to every user; writes are checked per request.
	if err := os.Chmod(socketPath, mode); err != nil {
		l.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return s.Serve(ctx, l)
}

// Serve serves requests on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	gs := s.GRPCServer()

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "gRPC server listening", "address", l.Addr().String())
		if err := gs.Serve(l); err != nil {
			errCh <- fmt.Errorf("serve %s: %w", l.Addr(), err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "shutting down gRPC server")
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		gs.Stop()
		return err
	}
}

// loggingInterceptor assigns a monotonic operation id to each request
// and logs transport errors.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		opID := s.opCounter.Add(1)
		ctx = manager.ContextWithOpID(ctx, opID)
		s.logger.DebugContext(ctx, "request", "method", info.FullMethod)
		resp, err := handler(ctx, req)
		if err != nil {
			s.logger.ErrorContext(ctx, "grpc error", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}
