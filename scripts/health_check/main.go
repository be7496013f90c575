package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"execution-core/internal/gateway"
	"execution-core/pkg/broker/restapi"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

// health_check probes the pieces a running execution core depends on.
//
// Usage:
//   go run ./scripts/health_check [--json]

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	fmt.Println("Execution Core Health Check")
	fmt.Println("===========================")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{Overall: "HEALTHY"}

	cfg, cfgStatus := checkConfig()
	report.Services = append(report.Services, cfgStatus)
	if cfg != nil {
		report.Services = append(report.Services,
			checkLedger(ctx, cfg),
			checkBroker(ctx, cfg),
			checkAPIServer(ctx, cfg),
		)
	}

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println()
	for _, svc := range report.Services {
		icon := "✓"
		if svc.Status == "UNHEALTHY" {
			icon = "✗"
		} else if svc.Status == "DEGRADED" {
			icon = "⚠"
		}
		fmt.Printf("%s %-14s %-10s %s\n", icon, svc.Service, svc.Status, svc.Message)
	}
	fmt.Printf("\nOverall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}
	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: "HEALTHY", Timestamp: time.Now()}
}

func checkConfig() (*config.Config, HealthStatus) {
	status := newStatus("Configuration")
	cfg, err := config.Load()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return nil, status
	}
	status.Message = fmt.Sprintf("client=%s broker=%s", cfg.ClientID, cfg.BrokerMode)
	return cfg, status
}

func checkLedger(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Ledger")
	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("open failed: %v", err)
		return status
	}
	defer database.Close()

	if err := database.Ping(); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("ping failed: %v", err)
		return status
	}
	open, err := database.Ledger().ListOpenOrders(ctx, cfg.ClientID)
	if err != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("schema not ready: %v", err)
		return status
	}
	status.Message = fmt.Sprintf("%d open orders", len(open))
	return status
}

func checkBroker(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Broker")
	if cfg.BrokerMode == gateway.ModePaper {
		status.Message = "paper broker"
		return status
	}
	client, err := gateway.NewClient(cfg.BrokerMode, restapi.Config{
		BaseURL:   cfg.BrokerBaseURL,
		APIKey:    cfg.BrokerAPIKey,
		APISecret: cfg.BrokerAPISecret,
		Timeout:   cfg.BrokerCallTimeout,
	})
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}
	if err := client.Login(ctx); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("login failed: %v", err)
		return status
	}
	if ok, err := client.SessionValid(ctx); err != nil || !ok {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("session not confirmed: %v", err)
		return status
	}
	status.Message = "session valid at " + cfg.BrokerBaseURL
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("API Server")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", cfg.Port), nil)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	var body struct {
		BrokerAvailable *bool `json:"broker_available"`
		CanExecute      *bool `json:"can_execute"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&body) != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}
	if body.BrokerAvailable != nil && !*body.BrokerAvailable {
		status.Status = "DEGRADED"
		status.Message = "broker calls short-circuited"
		return status
	}
	if body.CanExecute != nil && !*body.CanExecute {
		status.Status = "DEGRADED"
		status.Message = "risk manager blocking entries"
		return status
	}
	status.Message = "running"
	return status
}
