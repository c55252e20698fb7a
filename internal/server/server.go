package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"casd/internal/blobstore"
	"casd/internal/config"
	"casd/internal/store"
)

const (
	allowRemoteEnvKey = "CASD_ALLOW_REMOTE"
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 5 * time.Minute
	writeTimeout      = 5 * time.Minute
	idleTimeout       = 60 * time.Second
)

// Server wraps HTTP handlers for the casd API.
type Server struct {
	addr    string
	store   *store.Store
	blobs   blobstore.BlobStore
	service *BlobService
	sweeper *SweepService
	logger  *slog.Logger

	auth            config.AuthConfig
	dbPath          string
	blobRoot        string
	digestAlgorithm string
	uploadMaxBytes  int64
	multipartMemory int64
}

// New creates a new server instance wired from config.
func New(addr string, cfg *config.Config, st *store.Store, blobs blobstore.BlobStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		defaults := config.Default()
		cfg = &defaults
	}

	locks := newDigestLocks()

	service := NewBlobService(st, blobs, locks, logger)
	service.ConfigurePolicy(cfg.Upload.AllowedMediaTypes, cfg.Upload.RejectMediaTypeMismatch)

	sweeper := NewSweepService(st, st, blobs, locks, logger)
	sweeper.ConfigurePolicy(
		cfg.Sweep.BatchSize,
		time.Duration(cfg.Sweep.OrphanGraceMinutes)*time.Minute,
		cfg.Sweep.LogRetentionDays,
		cfg.Sweep.HistoryRetentionDays,
	)

	return &Server{
		addr:            addr,
		store:           st,
		blobs:           blobs,
		service:         service,
		sweeper:         sweeper,
		logger:          logger,
		auth:            cfg.Auth,
		dbPath:          cfg.DBPath,
		blobRoot:        cfg.BlobRoot,
		digestAlgorithm: string(cfg.Algorithm()),
		uploadMaxBytes:  cfg.Upload.MaxUploadBytes,
		multipartMemory: cfg.Upload.MultipartMaxMemory,
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.log().Info("starting server", "addr", s.addr, "db_path", s.dbPath, "blob_root", s.blobRoot)
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	return server.ListenAndServe()
}

// ListenAddr converts a base API URL into a listen address.
func ListenAddr(apiURL string) (string, error) {
	if apiURL == "" {
		return "", fmt.Errorf("api url is required")
	}
	if u, err := url.Parse(apiURL); err == nil && u.Host != "" {
		host := u.Hostname()
		if !isAllowedListenHost(host) {
			return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
		}
		return u.Host, nil
	}

	host, _, err := net.SplitHostPort(apiURL)
	if err == nil && !isAllowedListenHost(host) {
		return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
	}

	return apiURL, nil
}

func isAllowedListenHost(host string) bool {
	if host == "" {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(allowRemoteEnvKey)), "true") {
		return true
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
