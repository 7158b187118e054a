package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"procodus.dev/carewatch/internal/geofence"
	"procodus.dev/carewatch/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and CAREWATCH_* environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory and /etc/carewatch/
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/carewatch/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Environment variables
	viper.SetEnvPrefix("CAREWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger(service string) *slog.Logger {
	return logger.New(&logger.Config{
		Output:  os.Stdout,
		Format:  viper.GetString("log.format"),
		Service: service,
		Level:   logger.ParseLevel(viper.GetString("log.level")),
	})
}

// homeAreaID names the area built from the home-* flags.
const homeAreaID = "home"

// geofenceConfig reads the safe zones from v. A "geofence" section with
// areas wins; otherwise a single home area is built from the home keys and
// used as the default for every device.
func geofenceConfig(v *viper.Viper, prefix string) (geofence.ResolverConfig, error) {
	var cfg geofence.ResolverConfig
	if v.IsSet("geofence.areas") {
		if err := v.UnmarshalKey("geofence", &cfg); err != nil {
			return cfg, fmt.Errorf("failed to decode geofence configuration: %w", err)
		}
		return cfg, nil
	}

	if !v.IsSet(prefix+".home.latitude") || !v.IsSet(prefix+".home.longitude") {
		return cfg, errors.New("no safe zone configured: set geofence.areas or the home latitude and longitude")
	}

	cfg.Areas = []geofence.Area{{
		ID: homeAreaID,
		Center: geofence.Point{
			Latitude:  v.GetFloat64(prefix + ".home.latitude"),
			Longitude: v.GetFloat64(prefix + ".home.longitude"),
		},
		RadiusMeters: v.GetFloat64(prefix + ".home.radius_meters"),
	}}
	cfg.DefaultAreaID = homeAreaID
	return cfg, nil
}
