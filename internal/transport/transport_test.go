package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostJSONParsesObject(t *testing.T) {
	defer gock.Off()

	c := New(time.Second, false)
	gock.InterceptClient(c.HTTPClient())
	defer gock.RestoreClient(c.HTTPClient())

	gock.New("http://collector.test").
		Post("/api2.0/node/track.json").
		MatchType("json").
		Reply(200).
		JSON(map[string]any{"id_node": "abc", "count": 3})

	resp, err := c.PostJSON(context.Background(), "http://collector.test/api2.0/node/track.json",
		map[string]any{"api_key": "k", "slots_quota": 5})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "abc", resp.Body["id_node"])
	assert.Equal(t, json.Number("3"), resp.Body["count"])
	assert.True(t, gock.IsDone())
}

func TestPostJSONRawFallback(t *testing.T) {
	defer gock.Off()

	c := New(time.Second, false)
	gock.InterceptClient(c.HTTPClient())
	defer gock.RestoreClient(c.HTTPClient())

	gock.New("http://collector.test").
		Post("/alert").
		Reply(502).
		BodyString("<html>bad gateway</html>\n")

	resp, err := c.PostJSON(context.Background(), "http://collector.test/alert", map[string]string{})
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, 502, resp.StatusCode)
	assert.Nil(t, resp.Body)
	assert.Equal(t, "<html>bad gateway</html>", resp.Raw)
}

func TestPostJSONTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(50*time.Millisecond, false)
	_, err := c.PostJSON(context.Background(), srv.URL, map[string]string{"a": "b"})
	assert.Error(t, err)
}

func TestPostJSONConnectionRefused(t *testing.T) {
	c := New(time.Second, false)
	_, err := c.PostJSON(context.Background(), "http://127.0.0.1:1/x", nil)
	assert.Error(t, err)
}
