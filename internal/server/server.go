// Package server is the reference collaborator for the dashboard core. It
// stores uploads, answers chat with a deterministic responder, keeps
// conversations and autosaved consultations, and lists a patient's scans.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	defaultPollInterval = 3 * time.Second
	heartbeatInterval   = 15 * time.Second
	// maxUploadBytes bounds multipart bodies held in memory.
	maxUploadBytes = 32 << 20
)

// Opts holds parameters for building the HTTP handler.
type Opts struct {
	DB        *gorm.DB
	UploadDir string
	Responder Responder // defaults to KeywordResponder
	// PollInterval is how often the event stream checks for new scans.
	PollInterval time.Duration
	Now          func() time.Time
}

// server carries the handler dependencies.
type server struct {
	db        *gorm.DB
	uploadDir string
	responder Responder
	poll      time.Duration
	now       func() time.Time
}

// NewRouter builds the gin engine serving every collaborator endpoint.
func NewRouter(opts Opts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("server: db is required")
	}
	if opts.UploadDir == "" {
		return nil, fmt.Errorf("server: upload dir is required")
	}
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("server: create upload dir: %w", err)
	}
	s := &server{
		db:        opts.DB,
		uploadDir: opts.UploadDir,
		responder: opts.Responder,
		poll:      opts.PollInterval,
		now:       opts.Now,
	}
	if s.responder == nil {
		s.responder = KeywordResponder{}
	}
	if s.poll <= 0 {
		s.poll = defaultPollInterval
	}
	if s.now == nil {
		s.now = time.Now
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = maxUploadBytes
	registerRoutes(router, s)
	return router, nil
}

// StartOpts holds configuration for the collaborator server.
type StartOpts struct {
	DB        *gorm.DB
	Port      int
	UploadDir string
	Out       io.Writer
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8000
	}
	router, err := NewRouter(Opts{DB: opts.DB, UploadDir: opts.UploadDir})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Scanroom server running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
