package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trymwestin/neakasa/internal/config"
	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/platform"
	"github.com/trymwestin/neakasa/internal/core/state"
	"github.com/trymwestin/neakasa/internal/core/transport"
	"github.com/trymwestin/neakasa/internal/core/watch"
	"github.com/trymwestin/neakasa/internal/logging"
)

var devicesJSON bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Log in and list the devices bound to the account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		client := newClient(cfg.Neakasa, nil, log)
		if err := client.Connect(cmd.Context(), cfg.Neakasa.Username, cfg.Neakasa.Password); err != nil {
			return err
		}
		devices, err := client.ListDevices(cmd.Context())
		if err != nil {
			return err
		}
		plat := platform.New(platformConfig(cfg.Neakasa, log), client, state.NewStore(state.NewEventBus(log), log), log, nil)
		return printDevices(cmd.OutOrStdout(), devices, plat.Profile, devicesJSON)
	},
}

type deviceRow struct {
	IotID      string `json:"iot_id"`
	DeviceName string `json:"device_name"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

func printDevices(w io.Writer, devices []api.Device, profile func(api.Device) platform.Profile, asJSON bool) error {
	rows := make([]deviceRow, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, deviceRow{
			IotID:      d.IotID,
			DeviceName: d.DeviceName,
			Name:       profile(d).Name,
			Status:     d.Status,
		})
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IOT ID\tDEVICE NAME\tNAME\tSTATUS")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.IotID, r.DeviceName, r.Name, r.Status)
	}
	return tw.Flush()
}

var (
	watchURL    string
	watchFormat string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the event stream of a running daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		format := transport.ParseFormat(watchFormat)
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		log := logging.Discard()
		if os.Getenv("NEAKASA_DEBUG") != "" {
			log = logging.New(config.LogConfig{Level: "debug", Format: "text", Output: "stderr"}, version)
		}
		return follow(ctx, cmd.OutOrStdout(), transport.NewDialer(watchURL, log), format, log)
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "Print JSON instead of a table")

	defaultURL := os.Getenv("NEAKASA_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	watchCmd.Flags().StringVarP(&watchURL, "url", "u", defaultURL, "Base URL of the daemon's HTTP API")
	watchCmd.Flags().StringVarP(&watchFormat, "format", "f", "json", "Stream format (json or proto)")
}

// follow prints one JSON line per event until ctx is done.
func follow(ctx context.Context, w io.Writer, dialer watch.Dialer, format transport.Format, log *slog.Logger) error {
	enc := json.NewEncoder(w)
	c := watch.NewClient(dialer, format, func(evt state.Event) {
		if err := enc.Encode(evt); err != nil {
			log.Error("failed to print event", "error", err)
		}
	}, log)
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop(context.Background())
}
