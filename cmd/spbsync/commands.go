package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/spbsync/internal/app"
	"github.com/fieldops/spbsync/internal/connectivity"
	"github.com/fieldops/spbsync/internal/db"
	"github.com/fieldops/spbsync/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon and the local API",
	Long: `Run the background scheduler and serve the local REST and WebSocket API.

The daemon probes the remote API for reachability, drains the outbox when
connectivity returns and retries failed uploads on a timer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := logging.Get()
		svc, err := app.Open(ctx, cfg, app.Deps{Logger: log})
		if err != nil {
			return err
		}
		defer svc.Close()
		svc.Start(ctx)

		hub := NewWSHub(log)
		status, cancelStatus := svc.ObserveStatus()
		defer cancelStatus()
		states, cancelStates := svc.ObserveAuth()
		defer cancelStates()
		network, cancelNetwork := svc.ObserveConnectivity()
		defer cancelNetwork()
		go hub.Forward(ctx, status, states, network)

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           NewServer(svc, hub, log).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			log.Info("Local API listening", map[string]any{"addr": cfg.Server.Addr, "version": Version})
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case <-ctx.Done():
		}

		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the local database schema up to date",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetInt("to")
		d, err := db.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer d.Close()

		m := db.NewMigrator(d.DB)
		if err := m.Migrate(cmd.Context(), target); err != nil {
			return err
		}
		applied, err := m.Applied(cmd.Context())
		if err != nil {
			return err
		}
		for _, mig := range applied {
			fmt.Printf("  v%d  %s  %s\n", mig.Version, mig.AppliedAt.Format(time.RFC3339), mig.Description)
		}
		version, err := m.CurrentVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Schema at version %d of %d (%s)\n", version, db.LatestVersion(), d.Path())
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [table record-id]",
	Short: "Upload queued records now",
	Long: `Run one drain pass against the remote API. Backoff is ignored; parked
items stay parked until released with "retry".`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("expected no arguments or a table and a record id, got %d", len(args))
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer svc.Close()

		var table, recordID string
		if len(args) == 2 {
			table, recordID = args[0], args[1]
		}
		out, err := svc.SyncNow(cmd.Context(), table, recordID)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the outbox and session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer svc.Close()

		stats, err := svc.QueueStats(cmd.Context())
		if err != nil {
			return err
		}
		resp := map[string]any{
			"queue": stats,
			"auth":  svc.Auth().State(),
		}
		if sess := svc.Auth().Session(); sess != nil {
			resp["session"] = sess
		}
		return printJSON(resp)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session for the daemon",
	Long: `Sign in against the remote API. When the API is unreachable, a user who
signed in online on this device before is admitted offline.

The password is read from --password or SPBSYNC_PASSWORD.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			password = os.Getenv("SPBSYNC_PASSWORD")
		}
		if username == "" || password == "" {
			return errors.New("username and password are required")
		}

		svc, err := openService(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer svc.Close()

		sess, err := svc.Auth().Login(cmd.Context(), username, password)
		if err != nil {
			return err
		}
		return printJSON(sess)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Signed out")
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [item-id]",
	Short: "Release parked items back into the queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer svc.Close()

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		n, err := svc.Outbox().Retry(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Released %d item(s)\n", n)
		return nil
	},
}

func init() {
	migrateCmd.Flags().Int("to", 0, "target schema version (0 = latest)")
	loginCmd.Flags().StringP("username", "u", "", "username")
	loginCmd.Flags().StringP("password", "p", "", "password")
}

// openService opens the service for a one-shot command. Connectivity is
// assumed rather than probed. The persisted session is restored.
func openService(ctx context.Context, online bool) (*app.Service, error) {
	svc, err := app.Open(ctx, cfg, app.Deps{
		Connectivity: connectivity.NewManual(online),
		Logger:       logging.Get(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := svc.Auth().Restore(ctx); err != nil {
		logging.Warn("Failed to restore session", map[string]any{"error": err.Error()})
	}
	return svc, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
