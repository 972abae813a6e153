package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/clawdeck/internal/config"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/shared"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, res := range d.Results {
		if res.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks. The probe flag additionally dials the
// configured gateway, which needs a reachable endpoint.
func Run(ctx context.Context, cfg *config.Config, version string, probe bool) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkGatewayURL,
		checkToken,
		checkDatabase,
		checkPermissions,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	if probe {
		d.Results = append(d.Results, checkGatewayReachable(ctx, cfg))
	} else {
		d.Results = append(d.Results, CheckResult{
			Name:    "Gateway Probe",
			Status:  "SKIP",
			Message: "Probe disabled (pass -probe to dial the gateway)",
		})
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (a default is written on first run)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkGatewayURL(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway URL", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Gateway.URL == "" {
		return CheckResult{Name: "Gateway URL", Status: "FAIL", Message: "gateway.url is empty"}
	}
	u, err := url.Parse(cfg.Gateway.URL)
	if err != nil {
		return CheckResult{Name: "Gateway URL", Status: "FAIL", Message: fmt.Sprintf("gateway.url unparseable: %v", err)}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return CheckResult{Name: "Gateway URL", Status: "FAIL", Message: fmt.Sprintf("gateway.url scheme must be ws or wss, got %q", u.Scheme)}
	}
	return CheckResult{Name: "Gateway URL", Status: "PASS", Message: fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.Path)}
}

func checkToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway Token", Status: "SKIP", Message: "Config missing"}
	}
	token := cfg.GatewayToken()
	if token == "" {
		return CheckResult{
			Name:    "Gateway Token",
			Status:  "WARN",
			Message: "No gateway token configured",
			Detail:  "Set CLAWDECK_GATEWAY_TOKEN, or gateway.token_env / gateway.token in config.yaml",
		}
	}
	return CheckResult{
		Name:    "Gateway Token",
		Status:  "PASS",
		Message: "Token configured",
		Detail:  fmt.Sprintf("%d chars, value %s", len(token), shared.RedactEnvValue("gateway_token", token)),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.EffectiveDBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	var verdict string
	if err := store.DB().QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&verdict); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Integrity check failed: %v", err)}
	}
	if verdict != "ok" {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Integrity check reported: %s", verdict)}
	}
	if _, err := store.ListRecentEvents(ctx, 1); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	u, err := url.Parse(cfg.Gateway.URL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Gateway URL unusable for lookup"}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("Resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}

// checkGatewayReachable dials the configured endpoint and immediately closes.
// The dial carries no token; it verifies the websocket upgrade path, not auth.
func checkGatewayReachable(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Gateway.URL == "" {
		return CheckResult{Name: "Gateway Probe", Status: "SKIP", Message: "Config missing"}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	conn, _, err := websocket.Dial(dialCtx, cfg.Gateway.URL, nil)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Gateway Probe",
			Status:  "FAIL",
			Message: fmt.Sprintf("Dial failed: %s", shared.Redact(err.Error())),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	conn.Close(websocket.StatusNormalClosure, "doctor probe")

	return CheckResult{
		Name:    "Gateway Probe",
		Status:  "PASS",
		Message: fmt.Sprintf("Gateway accepted the websocket upgrade (%dms)", latency.Milliseconds()),
	}
}
