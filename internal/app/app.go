// Package app wires the process: config, logging, persistence, the world
// simulation, and the HTTP surface in front of it.
package app

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"driftworld/server/internal/assets"
	"driftworld/server/internal/config"
	"driftworld/server/internal/persist"
	"driftworld/server/internal/world"
)

const (
	shutdownTimeout = 10 * time.Second
	statusTimeout   = 2 * time.Second
	redisTimeout    = 5 * time.Second
)

// Run boots the server and blocks until the context is cancelled or an
// interrupt arrives.
func Run(ctx context.Context) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	assetsDir := os.Getenv("ASSETS_DIR")
	if assetsDir == "" {
		assetsDir = "assets"
	}
	if err := os.MkdirAll(assetsDir, 0o755); err != nil {
		return eris.Wrapf(err, "create assets dir %s", assetsDir)
	}

	var saver persist.Store
	var loaded *persist.WorldRecord
	if cfg.RedisAddr != "" {
		store := persist.NewRedisStore(logger, cfg.RedisAddr, cfg.RedisPassword, cfg.World)
		pingCtx, cancel := context.WithTimeout(ctx, redisTimeout)
		err := store.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn().Str("addr", cfg.RedisAddr).Err(err).Msg("redis unreachable, running without persistence")
			_ = store.Close()
		} else {
			loadCtx, cancel := context.WithTimeout(ctx, redisTimeout)
			loaded, err = store.LoadWorld(loadCtx)
			cancel()
			if err != nil {
				_ = store.Close()
				return eris.Wrap(err, "load world")
			}
			saver = store
			defer store.Close()
		}
	}

	sim := world.New(world.Options{
		Config:  cfg,
		Logger:  logger,
		Fetcher: newFetcher(assetsDir),
		Saver:   saver,
	})
	sim.Load(loaded)
	sim.Preload()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	simDone := make(chan struct{})
	go func() {
		sim.Run(ctx)
		close(simDone)
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newHandler(sim, cfg, assetsDir, logger),
	}
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.ListenAndServe()
	}()
	logger.Info().Str("addr", cfg.ListenAddr).Str("world", cfg.World).Msg("server listening")

	select {
	case err := <-srvErr:
		stop()
		<-simDone
		return eris.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown failed")
	}
	<-simDone
	return nil
}

// newFetcher resolves asset urls: content-addressed names come from the
// local assets directory, absolute urls go over HTTP.
func newFetcher(dir string) assets.FetcherFunc {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, url string) ([]byte, error) {
		if hash, ext, err := assets.ParseURL(url); err == nil {
			data, err := os.ReadFile(filepath.Join(dir, hash+"."+ext))
			if err != nil {
				return nil, eris.Wrapf(err, "read asset %s", url)
			}
			return data, nil
		}
		if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, eris.Wrapf(err, "build request for %s", url)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, eris.Wrapf(err, "fetch %s", url)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, eris.Errorf("fetch %s: status %d", url, resp.StatusCode)
			}
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, eris.Wrapf(err, "read %s", url)
			}
			return data, nil
		}
		return nil, eris.Errorf("unsupported asset url %q", url)
	}
}

func newHandler(sim *world.World, cfg config.Config, assetsDir string, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain")
		rw.Write([]byte("ok"))
	})

	mux.HandleFunc("/status", func(rw http.ResponseWriter, r *http.Request) {
		stats, ok := sim.StatsAsync(statusTimeout)
		if !ok {
			http.Error(rw, "simulation busy", http.StatusServiceUnavailable)
			return
		}
		data, err := json.Marshal(stats)
		if err != nil {
			http.Error(rw, "failed to encode", http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		rw.Write(data)
	})

	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.Dir(assetsDir))))

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	mux.HandleFunc("/ws", func(rw http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("authToken")
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		sess := sim.Connect(world.NewWSConn(conn), token)
		sim.ReadLoop(sess, conn)
	})

	mux.HandleFunc("/upload", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		// Multipart framing adds overhead beyond the payload cap; the world
		// enforces the exact limit and notifies the session.
		limit := cfg.MaxUploadMB<<20 + 1<<20
		r.Body = http.MaxBytesReader(rw, r.Body, limit)
		if err := r.ParseMultipartForm(limit); err != nil {
			http.Error(rw, "upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		sessionID := r.FormValue("session")
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(rw, "missing file", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(rw, "read failed", http.StatusBadRequest)
			return
		}
		ext := strings.TrimPrefix(filepath.Ext(header.Filename), ".")
		url := world.HashURL(data, ext)
		if err := sim.AcceptUpload(sessionID, url, data); err != nil {
			status := http.StatusBadRequest
			if eris.Is(err, world.ErrUploadTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			http.Error(rw, err.Error(), status)
			return
		}
		name := strings.TrimPrefix(url, "asset://")
		if err := os.WriteFile(filepath.Join(assetsDir, name), data, 0o644); err != nil {
			logger.Error().Str("url", url).Err(err).Msg("persist upload failed")
			http.Error(rw, "store failed", http.StatusInternalServerError)
			return
		}
		resp, _ := json.Marshal(struct {
			URL string `json:"url"`
		}{URL: url})
		rw.Header().Set("Content-Type", "application/json")
		rw.Write(resp)
	})

	return mux
}
