package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"procodus.dev/carewatch/pkg/alertpb"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List recorded alerts",
	Long:  `List the alerts recorded by a running alerting service, oldest first.`,
	RunE:  runAlerts,
}

func init() {
	rootCmd.AddCommand(alertsCmd)

	f := alertsCmd.Flags()
	f.String("backend-addr", "localhost:9090", "Alerting service gRPC address")
	f.String("device", "", "only list alerts for this device")
	f.String("kind", "", "only list alerts of this kind (left_safe_zone, returned_to_safe_zone, fall_detected)")
	f.Int("page-size", 50, "alerts per request")
	f.Bool("all", false, "follow page tokens until every alert is listed")
	f.Bool("json", false, "print alerts as JSON lines")
	f.Duration("timeout", 10*time.Second, "request timeout")

	for key, flag := range map[string]string{
		"alerts.backend.addr": "backend-addr",
		"alerts.device":       "device",
		"alerts.kind":         "kind",
		"alerts.page_size":    "page-size",
		"alerts.all":          "all",
		"alerts.json":         "json",
		"alerts.timeout":      "timeout",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func runAlerts(cmd *cobra.Command, _ []string) error {
	conn, err := grpc.NewClient(
		viper.GetString("alerts.backend.addr"),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to backend: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("alerts.timeout"))
	defer cancel()

	req := &alertpb.ListAlertsRequest{
		DeviceID: viper.GetString("alerts.device"),
		Kind:     viper.GetString("alerts.kind"),
		PageSize: viper.GetInt("alerts.page_size"),
	}
	return listAlerts(ctx, alertpb.NewAlertServiceClient(conn), req,
		viper.GetBool("alerts.all"), viper.GetBool("alerts.json"), cmd.OutOrStdout())
}

// listAlerts prints one page of alerts, or every page when all is set.
func listAlerts(ctx context.Context, client alertpb.AlertServiceClient, req *alertpb.ListAlertsRequest, all, asJSON bool, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if !asJSON {
		fmt.Fprintln(tw, "ID\tDEVICE\tKIND\tOCCURRED AT\tLOCATION")
	}
	enc := json.NewEncoder(out)

	for {
		resp, err := client.ListAlerts(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to list alerts: %w", err)
		}

		for _, a := range resp.Alerts {
			if asJSON {
				if err := enc.Encode(a); err != nil {
					return err
				}
				continue
			}
			location := "-"
			if a.Latitude != nil && a.Longitude != nil {
				location = strconv.FormatFloat(*a.Latitude, 'f', 6, 64) + "," + strconv.FormatFloat(*a.Longitude, 'f', 6, 64)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", a.ID, a.DeviceID, a.Kind, a.OccurredAt.Format(time.RFC3339), location)
		}

		if !all || resp.NextPageToken == "" {
			break
		}
		next := *req
		next.PageToken = resp.NextPageToken
		req = &next
	}

	if asJSON {
		return nil
	}
	return tw.Flush()
}
