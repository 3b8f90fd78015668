// internal/protocol/types.go
package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Alert type prefixes. The full type string is the reconciliation key on the
// collector side and must stay stable across releases.
const (
	ServiceAlertPrefix = "SERVICE_FAILED:"
	LogAlertPrefix     = "LOG_ISSUE:"
	ResponseSuffix     = "-response"
	SSLSuffix          = "-ssl"
)

// MaxUsageThreshold is reported for max_ram_usage, max_disk_usage and max_cpu_usage
const MaxUsageThreshold = 90.0

// Heartbeat is pushed from agent to collector once per cycle.
// The nullable block is reserved for provisioning metadata the agent never fills.
type Heartbeat struct {
	APIKey       string  `json:"api_key"`
	MicroService string  `json:"micro_service"`
	ProviderCode string  `json:"provider_code,omitempty"`
	SlotsQuota   int     `json:"slots_quota"`
	SlotsUsed    int     `json:"slots_used"`
	TotalRAMGB   float64 `json:"total_ram_gb"`
	TotalDiskGB  int     `json:"total_disk_gb"`
	CPUCores     int     `json:"cpu_cores,omitempty"`

	CurrentRAMUsage  float64 `json:"current_ram_usage"`
	CurrentDiskUsage float64 `json:"current_disk_usage"`
	CurrentCPUUsage  float64 `json:"current_cpu_usage"`
	MaxRAMUsage      float64 `json:"max_ram_usage"`
	MaxDiskUsage     float64 `json:"max_disk_usage"`
	MaxCPUUsage      float64 `json:"max_cpu_usage"`

	SSHUsername     *string `json:"ssh_username"`
	SSHPassword     *string `json:"ssh_password"`
	SSHRootUsername *string `json:"ssh_root_username"`
	SSHRootPassword *string `json:"ssh_root_password"`
	PostgresUser    *string `json:"postgres_username"`
	PostgresPass    *string `json:"postgres_password"`

	CreationTime                 *string `json:"creation_time"`
	CreationSuccess              *bool   `json:"creation_success"`
	CreationErrorDescription     *string `json:"creation_error_description"`
	InstallationTime             *string `json:"installation_time"`
	InstallationSuccess          *bool   `json:"installation_success"`
	InstallationErrorDescription *string `json:"installation_error_description"`
	MigrationsTime               *string `json:"migrations_time"`
	MigrationsSuccess            *bool   `json:"migrations_success"`
	MigrationsErrorDescription   *string `json:"migrations_error_description"`

	LastStartTime        string  `json:"last_start_time"`
	LastStartSuccess     bool    `json:"last_start_success"`
	LastStartDescription string  `json:"last_start_description"`
	LastStopTime         *string `json:"last_stop_time"`
	LastStopSuccess      *bool   `json:"last_stop_success"`
	LastStopDescription  *string `json:"last_stop_description"`
}

// AlertRecord is one check result. Solved means a previously bad condition
// identified by Type is healthy again.
type AlertRecord struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Solved      bool   `json:"solved"`
}

// AlertUpsert is the body of an alert upsert POST
type AlertUpsert struct {
	APIKey        string  `json:"api_key"`
	NodeID        string  `json:"id_node"`
	Type          string  `json:"type"`
	Description   string  `json:"description"`
	ScreenshotURL *string `json:"screenshot_url"`
	Solved        bool    `json:"solved"`
}

// ServiceAlertType returns the reconciliation key for a service unit
func ServiceAlertType(unit string) string {
	return ServiceAlertPrefix + unit
}

// LogAlertType returns the reconciliation key for a log source or a
// "source:basename" logical file name
func LogAlertType(logicalName string) string {
	return LogAlertPrefix + logicalName
}

// WebsiteAlertType returns the reachability key for a site
func WebsiteAlertType(name string) string {
	return name
}

// ResponseAlertType returns the latency key for a site
func ResponseAlertType(name string) string {
	return name + ResponseSuffix
}

// SSLAlertType returns the certificate expiry key for a site
func SSLAlertType(name string) string {
	return name + SSLSuffix
}

// NodeIDKeys lists the heartbeat response keys that may carry the node
// identity, in order of preference.
var NodeIDKeys = []string{"id_node", "id"}

// NodeID extracts the node identity from a decoded heartbeat response.
// Returns "" when no usable identifier is present.
func NodeID(body map[string]any) string {
	for _, key := range NodeIDKeys {
		v, ok := body[key]
		if !ok || v == nil {
			continue
		}
		switch id := v.(type) {
		case string:
			if s := strings.TrimSpace(id); s != "" {
				return s
			}
		case json.Number:
			return id.String()
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		case int:
			return strconv.Itoa(id)
		case int64:
			return strconv.FormatInt(id, 10)
		}
	}
	return ""
}
