// Package website checks reachability, response time and TLS certificate
// expiry of configured endpoints.
package website

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/nodepulse/internal/config"
	"github.com/signalnine/nodepulse/internal/logger"
	"github.com/signalnine/nodepulse/internal/protocol"
)

// MaxRedirects is the hop limit for reachability and latency requests
const MaxRedirects = 3

// ErrTooManyRedirects marks a site that is still redirecting after MaxRedirects hops
var ErrTooManyRedirects = errors.New("too many redirects")

// Reachable status codes are in [MinOKStatus, MaxOKStatus)
const (
	MinOKStatus = 200
	MaxOKStatus = 399
)

// Checker runs the per-site checks
type Checker struct {
	timeout time.Duration
	log     *zap.SugaredLogger
	now     func() time.Time
}

// NewChecker creates a checker whose network calls are bounded by timeout
func NewChecker(timeout time.Duration, log *zap.SugaredLogger) *Checker {
	if timeout <= 0 {
		timeout = config.DefaultCheckTimeout
	}
	return &Checker{timeout: timeout, log: logger.OrNop(log), now: time.Now}
}

// Check runs every site. Failures of one check never skip the others.
func (c *Checker) Check(ctx context.Context, defs []config.WebsiteDef, global config.SSLThresholds) ([]protocol.AlertRecord, error) {
	var alerts []protocol.AlertRecord
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return alerts, err
		}
		alerts = append(alerts, c.CheckSite(ctx, def, global)...)
	}
	return alerts, nil
}

// CheckSite returns the reachability alert, then the latency alert when a
// threshold is set, then the certificate alert for https sites
func (c *Checker) CheckSite(ctx context.Context, def config.WebsiteDef, global config.SSLThresholds) []protocol.AlertRecord {
	url := def.URL()
	alerts := []protocol.AlertRecord{c.reachability(ctx, def, url)}

	if def.ResponseThresholdMs > 0 {
		alerts = append(alerts, c.latency(ctx, def, url))
	}

	if def.Protocol == "https" {
		alerts = append(alerts, c.certificate(ctx, def, global.Merge(def.SSLThresholds)))
	}
	return alerts
}

func (c *Checker) reachability(ctx context.Context, def config.WebsiteDef, url string) protocol.AlertRecord {
	alertType := protocol.WebsiteAlertType(def.Name)

	status, _, err := c.head(ctx, def, url)
	if err != nil {
		c.log.Warnw("Site unreachable", "site", def.Name, "url", url, "error", err)
		return protocol.AlertRecord{
			Type:        alertType,
			Description: fmt.Sprintf("site %s unreachable: %v", url, err),
		}
	}
	if status < MinOKStatus || status >= MaxOKStatus {
		return protocol.AlertRecord{
			Type:        alertType,
			Description: fmt.Sprintf("site %s unreachable: HTTP %d", url, status),
		}
	}
	return protocol.AlertRecord{
		Type:        alertType,
		Description: fmt.Sprintf("site %s reachable: HTTP %d", url, status),
		Solved:      true,
	}
}

func (c *Checker) latency(ctx context.Context, def config.WebsiteDef, url string) protocol.AlertRecord {
	_, elapsed, err := c.head(ctx, def, url)
	if err != nil {
		return protocol.AlertRecord{
			Type:        protocol.ResponseAlertType(def.Name),
			Description: fmt.Sprintf("response time check for %s failed: %v", url, err),
		}
	}
	return EvaluateLatency(def.Name, elapsed.Milliseconds(), def.ResponseThresholdMs)
}

// EvaluateLatency builds the latency alert. Unsolved iff elapsed > threshold.
func EvaluateLatency(name string, elapsedMs int64, thresholdMs int) protocol.AlertRecord {
	alert := protocol.AlertRecord{Type: protocol.ResponseAlertType(name)}
	if elapsedMs > int64(thresholdMs) {
		alert.Description = fmt.Sprintf("response time %dms exceeds threshold %dms", elapsedMs, thresholdMs)
		return alert
	}
	alert.Description = fmt.Sprintf("response time %dms within threshold %dms", elapsedMs, thresholdMs)
	alert.Solved = true
	return alert
}

// head issues a redirect-following HEAD and measures the full round trip
func (c *Checker) head(ctx context.Context, def config.WebsiteDef, url string) (int, time.Duration, error) {
	client := &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: c.timeout,
			}).DialContext,
			TLSHandshakeTimeout:   c.timeout,
			ResponseHeaderTimeout: c.timeout,
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: def.InsecureSkipVerify},
			DisableKeepAlives:     true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > MaxRedirects {
				return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, MaxRedirects)
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return 0, elapsed, err
	}
	resp.Body.Close()
	return resp.StatusCode, elapsed, nil
}

func (c *Checker) certificate(ctx context.Context, def config.WebsiteDef, thresholds config.SSLThresholds) protocol.AlertRecord {
	notAfter, err := c.certExpiry(ctx, def)
	if err != nil {
		c.log.Warnw("TLS check failed", "site", def.Name, "host", def.Host, "error", err)
		return protocol.AlertRecord{
			Type:        protocol.SSLAlertType(def.Name),
			Description: fmt.Sprintf("TLS check for %s:%d failed: %v", def.Host, def.Port, err),
		}
	}
	return EvaluateExpiry(def.Name, def.Host, notAfter, DaysLeft(notAfter, c.now()), thresholds)
}

// certExpiry opens a TLS connection and returns the leaf certificate's NotAfter.
// Verification is off: the check measures expiry, not trust.
func (c *Checker) certExpiry(ctx context.Context, def config.WebsiteDef) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.timeout},
		Config: &tls.Config{
			ServerName:         def.Host,
			InsecureSkipVerify: true,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(def.Host, strconv.Itoa(def.Port)))
	if err != nil {
		return time.Time{}, err
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return time.Time{}, errors.New("not a TLS connection")
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return time.Time{}, errors.New("no peer certificate")
	}
	return certs[0].NotAfter, nil
}

// DaysLeft returns whole days until notAfter, negative once expired
func DaysLeft(notAfter, now time.Time) int {
	return int(math.Floor(notAfter.Sub(now).Hours() / 24))
}

// Tier names in evaluation order
const (
	TierCritical = "critical"
	TierWarning  = "warning"
	TierNotice   = "notice"
)

// MatchTier returns the first tier, critical to notice, whose threshold
// daysLeft is under. Zero thresholds are skipped. Returns "" when none match.
func MatchTier(daysLeft int, t config.SSLThresholds) (string, int) {
	tiers := []struct {
		name string
		days int
	}{
		{TierCritical, t.Critical},
		{TierWarning, t.Warning},
		{TierNotice, t.Notice},
	}
	for _, tier := range tiers {
		if tier.days > 0 && daysLeft < tier.days {
			return tier.name, tier.days
		}
	}
	return "", 0
}

// EvaluateExpiry builds the certificate alert from the days left
func EvaluateExpiry(name, host string, notAfter time.Time, daysLeft int, t config.SSLThresholds) protocol.AlertRecord {
	alert := protocol.AlertRecord{Type: protocol.SSLAlertType(name)}
	expires := notAfter.UTC().Format("2006-01-02")

	tier, threshold := MatchTier(daysLeft, t)
	if tier == "" {
		alert.Description = fmt.Sprintf("SSL certificate for %s valid for %d more days (expires %s)", host, daysLeft, expires)
		alert.Solved = true
		return alert
	}

	if daysLeft < 0 {
		alert.Description = fmt.Sprintf("[%s] SSL certificate for %s expired %d days ago (%s)", tier, host, -daysLeft, expires)
		return alert
	}
	alert.Description = fmt.Sprintf("[%s] SSL certificate for %s expires in %d days (%s), below the %s threshold of %d days",
		tier, host, daysLeft, expires, tier, threshold)
	return alert
}
