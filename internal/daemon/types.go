package daemon

// StartOptions configures the daemon process. Fleet tuning, the map source and
// storage come from <home>/fleet.yaml.
type StartOptions struct {
	Home       string
	Port       int    // HTTP API port
	GRPCPort   int    // telemetry gRPC port; 0 disables it
	Dev        bool   // permissive CORS for local dashboards
	PprofAddr  string // optional net/http/pprof listener
	EnableOtel bool   // OpenTelemetry metrics (Prometheus exporter + otelhttp)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}

const (
	DefaultPort     = 4747
	DefaultGRPCPort = 4748
)
