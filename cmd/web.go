package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/carewatch/internal/frontend"
	"procodus.dev/carewatch/pkg/metrics"
)

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Run the HTTP alert API",
	Long: `Run the HTTP alert API that:
- Lists recorded alerts as JSON, filtered by device and kind
- Adds a map link to every located alert
- Reads alerts from the alerting service over gRPC`,
	RunE: runWeb,
}

func init() {
	rootCmd.AddCommand(webCmd)

	webCmd.Flags().Int("http-port", 8080, "HTTP server port")
	webCmd.Flags().String("backend-addr", "localhost:9090", "Alerting service gRPC address")

	_ = viper.BindPFlag("web.http.port", webCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("web.backend.addr", webCmd.Flags().Lookup("backend-addr"))
}

func runWeb(_ *cobra.Command, _ []string) error {
	logger := GetLogger("carewatch-web")
	logger.Info("starting alert API")

	config := &frontend.ServerConfig{
		Logger:          logger,
		HTTPPort:        viper.GetInt("web.http.port"),
		BackendGRPCAddr: viper.GetString("web.backend.addr"),
		Metrics:         metrics.NewFrontendMetrics(metricsNamespace),
	}

	server, err := frontend.NewServer(config)
	if err != nil {
		logger.Error("failed to create alert API server", "error", err)
		return err
	}

	logger.Info("alert API configuration",
		"http_port", config.HTTPPort,
		"backend_addr", config.BackendGRPCAddr,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("alert API error", "error", err)
		return err
	}

	logger.Info("alert API stopped")
	return nil
}
