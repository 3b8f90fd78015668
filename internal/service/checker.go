// Package service checks configured service units against the service manager.
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/signalnine/nodepulse/internal/config"
	"github.com/signalnine/nodepulse/internal/logger"
	"github.com/signalnine/nodepulse/internal/protocol"
)

// Diagnostic snippet sizes for inactive units
const (
	StatusLines  = 5
	JournalLines = 10
)

// Checker turns unit liveness into alerts
type Checker struct {
	prober Prober
	log    *zap.SugaredLogger
}

// NewChecker creates a checker backed by prober
func NewChecker(prober Prober, log *zap.SugaredLogger) *Checker {
	return &Checker{prober: prober, log: logger.OrNop(log)}
}

// NewProber returns the prober for a configured backend name
func NewProber(backend string, run Runner, cfg *config.AgentConfig) Prober {
	if backend == "dbus" {
		return NewDBusProber(run, cfg.CheckTimeout)
	}
	return NewSystemctlProber(run, cfg.CheckTimeout)
}

// Check returns one alert per definition. Query failures count as not active.
func (c *Checker) Check(ctx context.Context, defs []config.ServiceDef) ([]protocol.AlertRecord, error) {
	alerts := make([]protocol.AlertRecord, 0, len(defs))
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return alerts, err
		}
		alerts = append(alerts, c.checkOne(ctx, def))
	}
	return alerts, nil
}

func (c *Checker) checkOne(ctx context.Context, def config.ServiceDef) protocol.AlertRecord {
	alertType := protocol.ServiceAlertType(def.Unit)

	active, err := c.prober.IsActive(ctx, def.Unit)
	if err != nil {
		c.log.Warnw("Service query failed, treating as not active", "service", def.Name, "unit", def.Unit, "error", err)
	}
	if active {
		return protocol.AlertRecord{
			Type:        alertType,
			Description: fmt.Sprintf("service %s is active", def.Unit),
			Solved:      true,
		}
	}

	status, statusErr := c.prober.Status(ctx, def.Unit)
	if statusErr != nil && status == "" {
		status = fmt.Sprintf("status unavailable: %v", statusErr)
	}
	journal, journalErr := c.prober.Journal(ctx, def.Unit, JournalLines)
	if journalErr != nil && journal == "" {
		journal = fmt.Sprintf("journal unavailable: %v", journalErr)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "service %s is not active", def.Unit)
	if err != nil {
		fmt.Fprintf(&b, " (%v)", err)
	}
	b.WriteString("\n--- status ---\n")
	b.WriteString(headLines(status, StatusLines))
	b.WriteString("\n--- journal ---\n")
	b.WriteString(tailLines(journal, JournalLines))

	c.log.Infow("Service not active", "service", def.Name, "unit", def.Unit)
	return protocol.AlertRecord{Type: alertType, Description: b.String()}
}

// headLines keeps the first n lines of s
func headLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

// tailLines keeps the last n lines of s
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
