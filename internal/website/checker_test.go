package website

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/nodepulse/internal/config"
	"github.com/signalnine/nodepulse/internal/protocol"
)

var defaultTiers = config.SSLThresholds{Critical: 7, Warning: 14, Notice: 30}

// siteFor points a WebsiteDef at a test server
func siteFor(t *testing.T, name string, srv *httptest.Server, protocol string) config.WebsiteDef {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return config.WebsiteDef{
		Name:               name,
		Protocol:           protocol,
		Host:               host,
		Port:               p,
		Path:               "/",
		InsecureSkipVerify: true,
	}
}

// testCert creates a self-signed certificate valid until notAfter
func testCert(t *testing.T, notAfter time.Time) tls.Certificate {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

func tlsServer(t *testing.T, notAfter time.Time, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(handler)
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{testCert(t, notAfter)}}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCheckSiteHTTPS(t *testing.T) {
	srv := tlsServer(t, time.Now().Add(5*24*time.Hour+12*time.Hour), okHandler())
	site := siteFor(t, "shop", srv, "https")

	alerts := NewChecker(2*time.Second, nil).CheckSite(context.Background(), site, defaultTiers)
	require.Len(t, alerts, 2)

	assert.Equal(t, "shop", alerts[0].Type)
	assert.True(t, alerts[0].Solved, alerts[0].Description)

	assert.Equal(t, "shop-ssl", alerts[1].Type)
	assert.False(t, alerts[1].Solved)
	assert.Contains(t, alerts[1].Description, "[critical]")
	assert.Contains(t, alerts[1].Description, "expires in 5 days")
}

func TestCheckSiteHealthyCertificate(t *testing.T) {
	srv := tlsServer(t, time.Now().Add(90*24*time.Hour), okHandler())
	site := siteFor(t, "shop", srv, "https")

	alerts := NewChecker(2*time.Second, nil).CheckSite(context.Background(), site, defaultTiers)
	require.Len(t, alerts, 2)
	assert.True(t, alerts[1].Solved, alerts[1].Description)
}

func TestCheckSitePerSiteOverride(t *testing.T) {
	srv := tlsServer(t, time.Now().Add(40*24*time.Hour+time.Hour), okHandler())
	site := siteFor(t, "shop", srv, "https")
	site.SSLThresholds = &config.SSLThresholds{Notice: 60}

	alerts := NewChecker(2*time.Second, nil).CheckSite(context.Background(), site, defaultTiers)
	require.Len(t, alerts, 2)
	assert.False(t, alerts[1].Solved)
	assert.Contains(t, alerts[1].Description, "[notice]")
}

func TestCheckSiteHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	alerts := NewChecker(time.Second, nil).CheckSite(context.Background(), siteFor(t, "api", srv, "http"), defaultTiers)
	require.Len(t, alerts, 1)
	assert.Equal(t, "api", alerts[0].Type)
	assert.False(t, alerts[0].Solved)
	assert.Contains(t, alerts[0].Description, "HTTP 503")
}

func TestCheckSiteFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/a", http.StatusFound)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	alerts := NewChecker(time.Second, nil).CheckSite(context.Background(), siteFor(t, "api", srv, "http"), defaultTiers)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Solved)
	assert.Contains(t, alerts[0].Description, "HTTP 204")
}

func TestCheckSiteRedirectLoopUnreachable(t *testing.T) {
	var hops atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hops.Add(1)
		http.Redirect(w, r, "/loop"+strconv.Itoa(int(n)), http.StatusFound)
	}))
	defer srv.Close()

	alerts := NewChecker(time.Second, nil).CheckSite(context.Background(), siteFor(t, "loop", srv, "http"), defaultTiers)
	require.Len(t, alerts, 1)
	assert.Equal(t, int32(MaxRedirects+1), hops.Load())
	assert.False(t, alerts[0].Solved)
	assert.Contains(t, alerts[0].Description, "unreachable")
	assert.Contains(t, alerts[0].Description, ErrTooManyRedirects.Error())
}

func TestCheckSiteUnreachableDoesNotAbortTLS(t *testing.T) {
	site := config.WebsiteDef{
		Name:                "gone",
		Protocol:            "https",
		Host:                "127.0.0.1",
		Port:                1,
		Path:                "/",
		ResponseThresholdMs: 500,
	}

	alerts := NewChecker(500*time.Millisecond, nil).CheckSite(context.Background(), site, defaultTiers)
	require.Len(t, alerts, 3)
	assert.Equal(t, []string{"gone", "gone-response", "gone-ssl"},
		[]string{alerts[0].Type, alerts[1].Type, alerts[2].Type})
	for _, a := range alerts {
		assert.False(t, a.Solved, a.Type)
	}
	assert.Contains(t, alerts[2].Description, "TLS check")
}

func TestCheckSiteSlowResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(120 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	site := siteFor(t, "slow", srv, "http")
	site.ResponseThresholdMs = 50

	alerts := NewChecker(2*time.Second, nil).CheckSite(context.Background(), site, defaultTiers)
	require.Len(t, alerts, 2)
	assert.True(t, alerts[0].Solved)
	assert.Equal(t, "slow-response", alerts[1].Type)
	assert.False(t, alerts[1].Solved)
	assert.Contains(t, alerts[1].Description, "threshold 50ms")
}

func TestEvaluateLatency(t *testing.T) {
	slow := EvaluateLatency("site", 750, 500)
	assert.False(t, slow.Solved)
	assert.Equal(t, "site-response", slow.Type)
	assert.Contains(t, slow.Description, "750")
	assert.Contains(t, slow.Description, "500")

	fast := EvaluateLatency("site", 300, 500)
	assert.True(t, fast.Solved)
	assert.Contains(t, fast.Description, "300")

	edge := EvaluateLatency("site", 500, 500)
	assert.True(t, edge.Solved)
}

func TestMatchTier(t *testing.T) {
	tests := []struct {
		days     int
		wantTier string
	}{
		{-3, TierCritical},
		{0, TierCritical},
		{5, TierCritical},
		{7, TierWarning},
		{13, TierWarning},
		{14, TierNotice},
		{29, TierNotice},
		{30, ""},
		{365, ""},
	}

	for _, tt := range tests {
		got, _ := MatchTier(tt.days, defaultTiers)
		assert.Equal(t, tt.wantTier, got, "days=%d", tt.days)
	}

	got, _ := MatchTier(5, config.SSLThresholds{Warning: 14})
	assert.Equal(t, TierWarning, got)
}

func TestEvaluateExpiry(t *testing.T) {
	notAfter := time.Date(2026, 10, 24, 0, 0, 0, 0, time.UTC)

	critical := EvaluateExpiry("site", "example.com", notAfter, 5, defaultTiers)
	assert.Equal(t, protocol.SSLAlertType("site"), critical.Type)
	assert.False(t, critical.Solved)
	assert.Equal(t, "[critical] SSL certificate for example.com expires in 5 days (2026-10-24), below the critical threshold of 7 days", critical.Description)

	expired := EvaluateExpiry("site", "example.com", notAfter, -2, defaultTiers)
	assert.False(t, expired.Solved)
	assert.Contains(t, expired.Description, "expired 2 days ago")

	ok := EvaluateExpiry("site", "example.com", notAfter, 45, defaultTiers)
	assert.True(t, ok.Solved)
}

func TestDaysLeft(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5, DaysLeft(now.Add(5*24*time.Hour+time.Hour), now))
	assert.Equal(t, 0, DaysLeft(now.Add(time.Hour), now))
	assert.Equal(t, -1, DaysLeft(now.Add(-time.Hour), now))
}
