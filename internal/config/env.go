package config

import "time"

// Env key constants. All daemon configuration env vars use SIDELOADERD_ prefix;
// duration values support explicit units (e.g. 5m, 40s, 2h).

// Path to the arbitration parameters JSON document.
const envKeyConfigPath = "SIDELOADERD_CONFIG_PATH"

// Directory watched for job definition files.
const envKeyJobDir = "SIDELOADERD_JOB_DIR"

// Path the status snapshot is written to every tick.
const envKeyStatusPath = "SIDELOADERD_STATUS_PATH"

// Path the telemetry record is mirrored to.
const envKeyTelemetryPath = "SIDELOADERD_TELEMETRY_PATH"

// Command used to forward telemetry records, space separated.
const envKeyTelemetryCommand = "SIDELOADERD_TELEMETRY_COMMAND"

// Transient service name prefix for side jobs.
const envKeySvcPrefix = "SIDELOADERD_SVC_PREFIX"

// Override for root block device discovery (e.g. sda, nvme0n1).
const envKeyDev = "SIDELOADERD_DEV"

// Disable applying system configuration fixes, verify only.
const envKeyDontFix = "SIDELOADERD_DONT_FIX"

// Mount point of the cgroup2 hierarchy.
const envKeyCgroupRoot = "SIDELOADERD_CGROUP_ROOT"

// Mount point of procfs.
const envKeyProcRoot = "SIDELOADERD_PROC_ROOT"

// Log level: debug, info, warn, error.
const envKeyLogLevel = "SIDELOADERD_LOG_LEVEL"

// Log format: json or text.
const envKeyLogFormat = "SIDELOADERD_LOG_FORMAT"

// Port for health/readiness HTTP server.
const envKeyHTTPPort = "SIDELOADERD_HTTP_PORT"

// Port for Prometheus metrics (GET /metrics).
const envKeyMetricsPort = "SIDELOADERD_METRICS_PORT"

// Pinger check interval. Units: s, m, h (e.g. 10s, 1m).
const (
	envKeyPingerInterval = "SIDELOADERD_PINGER_INTERVAL"
	envMinPingerInterval = time.Second
)
