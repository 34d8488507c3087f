package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultConfigPath       = "/etc/sideloaderd/config.json"
	defaultJobDir           = "/etc/sideloaderd/jobs.d"
	defaultStatusPath       = "/run/sideloaderd/status.json"
	defaultTelemetryPath    = "/run/sideloaderd/telemetry.json"
	defaultTelemetryCommand = "scribe_cat"
	defaultSvcPrefix        = "sideload-"
	defaultCgroupRoot       = "/sys/fs/cgroup"
	defaultProcRoot         = "/proc"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultHTTPPort         = "8080"
	defaultMetricsPort      = "9090"
	defaultPingerInterval   = 10 * time.Second
)

type Config struct {
	ConfigPath       string
	JobDir           string
	StatusPath       string
	TelemetryPath    string
	TelemetryCommand []string
	SvcPrefix        string
	Dev              string
	DontFix          bool
	CgroupRoot       string
	ProcRoot         string
	LogLevel         string
	LogFormat        string
	HTTPPort         string
	MetricsPort      string
	PingerInterval   time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		ConfigPath:    getEnvOrDefault(envKeyConfigPath, defaultConfigPath),
		JobDir:        getEnvOrDefault(envKeyJobDir, defaultJobDir),
		StatusPath:    getEnvOrDefault(envKeyStatusPath, defaultStatusPath),
		TelemetryPath: getEnvOrDefault(envKeyTelemetryPath, defaultTelemetryPath),
		SvcPrefix:     getEnvOrDefault(envKeySvcPrefix, defaultSvcPrefix),
		Dev:           os.Getenv(envKeyDev),
		CgroupRoot:    getEnvOrDefault(envKeyCgroupRoot, defaultCgroupRoot),
		ProcRoot:      getEnvOrDefault(envKeyProcRoot, defaultProcRoot),
		LogLevel:      getEnvOrDefault(envKeyLogLevel, defaultLogLevel),
		LogFormat:     getEnvOrDefault(envKeyLogFormat, defaultLogFormat),
		HTTPPort:      getEnvOrDefault(envKeyHTTPPort, defaultHTTPPort),
		MetricsPort:   getEnvOrDefault(envKeyMetricsPort, defaultMetricsPort),
	}

	cfg.TelemetryCommand = strings.Fields(
		getEnvOrDefault(envKeyTelemetryCommand, defaultTelemetryCommand),
	)

	dontFix, err := getEnvBool(envKeyDontFix)
	if err != nil {
		return nil, err
	}

	cfg.DontFix = dontFix

	pingerInterval, err := getEnvDuration(
		envKeyPingerInterval,
		defaultPingerInterval,
		envMinPingerInterval,
	)
	if err != nil {
		return nil, err
	}

	cfg.PingerInterval = pingerInterval

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value
}

func getEnvBool(key string) (bool, error) {
	value := os.Getenv(key)

	switch strings.ToLower(value) {
	case "", "0", "false", "no":
		return false, nil
	case "1", "true", "yes":
		return true, nil
	default:
		return false, fmt.Errorf("parse %s: unrecognized value %q", key, value)
	}
}

func getEnvDuration(key string, defaultValue, minValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}

	if d < minValue {
		return 0, fmt.Errorf("parse %s: %s is below the minimum %s", key, d, minValue)
	}

	return d, nil
}
