package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"conduit/internal/connection"
	"conduit/internal/db"
	"conduit/internal/gateway"
	"conduit/internal/models"
	"conduit/internal/syncer"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook gateway",
	Long: `Run the HTTP gateway: provider webhooks on POST /webhooks/<provider>,
job status on GET /api/jobs. Webhook secrets are read from the config
table (key webhook_secret_<provider>); set one with:

  conduit config set webhook_secret_github <secret>

A reconciliation poll re-fetches every imported scope on an interval
(config key poll_interval_seconds, default 300) so external edits are
picked up even when a webhook delivery is lost.

Stops cleanly on SIGINT/SIGTERM after draining queued deliveries.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (default from config, then :8080)")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr := serveAddr
	if addr == "" {
		if v, err := db.GetConfig(models.ConfigListenAddr); err == nil && v != "" {
			addr = v
		} else {
			addr = models.DefaultListenAddr
		}
	}

	manager := connection.NewManager()
	controller := syncer.New(manager)
	server, err := gateway.NewServer(controller, configInt(models.ConfigWorkerSlots, models.DefaultWorkerSlots))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reconciliation polling backstops webhook delivery: external edits
	// land even when a delivery is dropped or no webhook is configured.
	interval := time.Duration(configInt(models.ConfigPollInterval, int(models.DefaultPollInterval/time.Second))) * time.Second
	go controller.RunPolling(ctx, interval)

	if !IsJSONOutput() {
		fmt.Printf("Gateway listening on %s\n", addr)
	}
	return server.Run(ctx, addr)
}
