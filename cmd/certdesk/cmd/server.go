package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/certdesk/certdesk/api"
	"github.com/certdesk/certdesk/keyprotect"
	"github.com/certdesk/certdesk/registry"
	"github.com/certdesk/certdesk/request"
	"github.com/certdesk/certdesk/storage"
	bboltstorage "github.com/certdesk/certdesk/storage/bbolt"
	sqlitestorage "github.com/certdesk/certdesk/storage/sqlite"
)

// AuthSecretEnv holds the HMAC secret used to sign API bearer tokens.
const AuthSecretEnv = "CERTDESK_AUTH_SECRET"

var (
	port        int
	dataDir     string
	backend     string
	defaultDays int
	maxDays     int
	crlURL      string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate issuance server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		authSecret := os.Getenv(AuthSecretEnv)
		if authSecret == "" {
			return fmt.Errorf("%s must be set", AuthSecretEnv)
		}

		protector, err := keyprotect.FromEnv()
		if err != nil {
			return fmt.Errorf("loading master key: %w", err)
		}

		var store storage.Store
		switch backend {
		case "bbolt":
			s, err := bboltstorage.NewStoreFromFile(dataDir+"/certdesk.db", nil)
			if err != nil {
				return fmt.Errorf("failed to open bbolt storage: %w", err)
			}
			defer s.Close()
			store = s
		case "sqlite":
			s, err := sqlitestorage.Open(dataDir + "/certdesk.sqlite")
			if err != nil {
				return fmt.Errorf("failed to open sqlite storage: %w", err)
			}
			defer s.Close()
			store = s
		default:
			return fmt.Errorf("unknown storage backend %q (want bbolt or sqlite)", backend)
		}

		log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		cas := registry.New(store, protector, log)
		svc := request.NewService(store, cas, protector, request.Config{
			DefaultDays:          defaultDays,
			MaxDays:              maxDays,
			CRLDistributionPoint: crlURL,
		}, log)

		a := api.New(svc, cas, []byte(authSecret), api.WithLogger(log))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		fmt.Printf("CertDesk %s listening on port %d (backend: %s, data: %s)\n",
			Version, port, backend, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&backend, "backend", "bbolt", "Storage backend (bbolt or sqlite)")
	serverCmd.Flags().IntVar(&defaultDays, "default-days", 365, "Default certificate validity in days")
	serverCmd.Flags().IntVar(&maxDays, "max-days", 825, "Maximum certificate validity in days")
	serverCmd.Flags().StringVar(&crlURL, "crl-url", "", "CRL distribution point stamped into issued certificates")
}
