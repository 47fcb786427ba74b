package edc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"

	"github.com/fmspay/edc-simulator/internal/fms"
)

// App wires the simulator together and owns its lifecycle.
type App struct {
	srv    *http.Server
	wg     *sync.WaitGroup
	Addr   string
	logger *slog.Logger
	config *Config
	svc    *Service
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "edc-simulator"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	repo, err := NewFileRepository(a.config.DataDir)
	if err != nil {
		return fmt.Errorf("opening data store: %w", err)
	}

	a.svc = NewService(a.logger, repo, a.newCodec())

	router := chi.NewRouter()
	api := NewAPI(a.svc)
	api.AppendRoutes(router)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler: router,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

// newCodec picks the native packing library unless configuration
// disables it or loading fails; then the pure codec takes over.
func (a *App) newCodec() fms.Codec {
	if a.config.DisableNativeLibrary {
		a.logger.Info("native library disabled, using pure codec")
		return fms.NewPureCodec(a.logger)
	}
	codec, err := fms.NewNativeCodec(a.config.NativeLibraryPath, a.logger)
	if err != nil {
		a.logger.Warn("native library unavailable, using pure codec",
			slog.String("path", a.config.NativeLibraryPath), "err", err)
		return fms.NewPureCodec(a.logger)
	}
	return codec
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	a.srv.Shutdown(context.Background())

	if a.svc != nil {
		if _, err := a.svc.Disconnect(); err != nil {
			a.logger.Error("disconnecting transport", "err", err)
		}
	}

	a.wg.Wait()

	a.logger.Info("app stopped")
}
