package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// ErrNotActive is returned by probers when a unit is known but not running
var ErrNotActive = errors.New("unit is not active")

// Prober queries the service manager. Implementations must be safe to call
// for units that do not exist.
type Prober interface {
	// IsActive reports whether the unit is running. A query failure is
	// returned as an error; the checker treats it as not active.
	IsActive(ctx context.Context, unit string) (bool, error)
	// Status returns a short status summary
	Status(ctx context.Context, unit string) (string, error)
	// Journal returns the most recent log lines of the unit
	Journal(ctx context.Context, unit string, lines int) (string, error)
}

// Runner runs a command and returns its combined output.
// A non-zero exit is reported as an error together with the output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec under LC_ALL=C
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// SystemctlProber shells out to systemctl and journalctl
type SystemctlProber struct {
	run     Runner
	timeout time.Duration
}

// NewSystemctlProber returns a prober using run (ExecRunner when nil).
// Every command is bounded by timeout.
func NewSystemctlProber(run Runner, timeout time.Duration) *SystemctlProber {
	if run == nil {
		run = ExecRunner
	}
	return &SystemctlProber{run: run, timeout: timeout}
}

func (p *SystemctlProber) exec(ctx context.Context, name string, args ...string) (string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	out, err := p.run(ctx, name, args...)
	return strings.TrimRight(string(out), "\n"), err
}

// IsActive runs systemctl is-active. Exit status 3 with a state word means
// the unit is known and inactive; anything else non-zero is a query failure.
func (p *SystemctlProber) IsActive(ctx context.Context, unit string) (bool, error) {
	out, err := p.exec(ctx, "systemctl", "is-active", unit)
	state := strings.TrimSpace(out)
	if err == nil {
		return state == "active", nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && state != "" && !strings.Contains(state, " ") {
		return false, nil
	}
	return false, fmt.Errorf("systemctl is-active %s: %w", unit, err)
}

// Status returns systemctl status output; it exits non-zero for inactive
// units, so output is returned whenever there is any
func (p *SystemctlProber) Status(ctx context.Context, unit string) (string, error) {
	out, err := p.exec(ctx, "systemctl", "status", unit, "--no-pager", "--lines=0")
	if out != "" {
		return out, nil
	}
	return "", err
}

// Journal returns the last lines of the unit's journal
func (p *SystemctlProber) Journal(ctx context.Context, unit string, lines int) (string, error) {
	out, err := p.exec(ctx, "journalctl", "-u", unit, "-n", strconv.Itoa(lines), "--no-pager")
	if err != nil && out == "" {
		return "", err
	}
	return out, nil
}

// unitProperties is the subset of the D-Bus unit interface the checker uses
type unitProperties interface {
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	GetUnitTypePropertiesContext(ctx context.Context, unit string, unitType string) (map[string]interface{}, error)
	Close()
}

// DBusProber reads unit state from systemd over D-Bus. The journal tail is
// still read with journalctl, since the journal is not exposed on the bus.
type DBusProber struct {
	connect func(ctx context.Context) (unitProperties, error)
	journal *SystemctlProber
	timeout time.Duration
}

// NewDBusProber connects to the system bus on every query. Each query,
// connection included, is bounded by timeout.
func NewDBusProber(run Runner, timeout time.Duration) *DBusProber {
	return &DBusProber{
		connect: func(ctx context.Context) (unitProperties, error) {
			return dbus.NewWithContext(ctx)
		},
		journal: NewSystemctlProber(run, timeout),
		timeout: timeout,
	}
}

// properties returns the unit properties and, for service units, the
// service properties (Result lives there)
func (p *DBusProber) properties(ctx context.Context, unit string, withService bool) (map[string]interface{}, map[string]interface{}, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	conn, err := p.connect(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return nil, nil, fmt.Errorf("unit properties %s: %w", unit, err)
	}
	if !withService || !isServiceUnit(unit) {
		return props, nil, nil
	}

	svc, err := conn.GetUnitTypePropertiesContext(ctx, unit, "Service")
	if err != nil {
		// status is still useful without the result
		return props, nil, nil
	}
	return props, svc, nil
}

// isServiceUnit reports a .service unit; systemd treats a bare name as one
func isServiceUnit(unit string) bool {
	ext := path.Ext(unit)
	return ext == "" || ext == ".service"
}

// IsActive reports ActiveState == "active"
func (p *DBusProber) IsActive(ctx context.Context, unit string) (bool, error) {
	props, _, err := p.properties(ctx, unit, false)
	if err != nil {
		return false, err
	}
	if prop(props, "LoadState") == "not-found" {
		return false, fmt.Errorf("unit %s: %w (not found)", unit, ErrNotActive)
	}
	return prop(props, "ActiveState") == "active", nil
}

// Status summarizes the unit's load, active and sub state
func (p *DBusProber) Status(ctx context.Context, unit string) (string, error) {
	props, svc, err := p.properties(ctx, unit, true)
	if err != nil {
		return "", err
	}
	lines := []string{
		fmt.Sprintf("%s - %s", unit, prop(props, "Description")),
		fmt.Sprintf("Loaded: %s (%s)", prop(props, "LoadState"), prop(props, "FragmentPath")),
		fmt.Sprintf("Active: %s (%s)", prop(props, "ActiveState"), prop(props, "SubState")),
	}
	if result := prop(svc, "Result"); result != "" {
		lines = append(lines, "Result: "+result)
	}
	return strings.Join(lines, "\n"), nil
}

// Journal returns the last lines of the unit's journal
func (p *DBusProber) Journal(ctx context.Context, unit string, lines int) (string, error) {
	return p.journal.Journal(ctx, unit, lines)
}

func prop(props map[string]interface{}, key string) string {
	v, ok := props[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
