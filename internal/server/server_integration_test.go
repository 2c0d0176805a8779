package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/quforia/internal/device"
	"github.com/ayusman/quforia/internal/engine"
	"github.com/ayusman/quforia/internal/plugin"
	"github.com/ayusman/quforia/internal/store"
)

func TestAPI_RecordingWorkflow(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	recorder := store.NewRecorder(s, 1, nil)
	host := plugin.NewHost(plugin.Config{})
	host.SetObserver(recorder)
	d, err := host.CreateDriver()
	require.NoError(t, err)
	defer host.DestroyDriver(d)

	srv := New(Config{Store: s, Recorder: recorder, Host: host})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	client := ts.Client()

	// 1. Start recording
	resp, err := client.Post(ts.URL+"/api/recording", "application/json", strings.NewReader(`{"name":"bench"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// 2. Ingest through the host
	require.NoError(t, host.SetIntrinsics([]float32{1280, 960, 900, 900, 640, 480}))
	require.NoError(t, host.FeedPose([]float32{1, 2, 3}, []float32{0, 0, 0, 1}, 100))
	require.NoError(t, host.FeedPose([]float32{1, 2, 4}, []float32{0, 0, 0, 1}, 200))

	// 3. Status reports the active recording
	resp, err = client.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	var status struct {
		Recording *store.Session `json:"recording"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	require.NotNil(t, status.Recording)
	assert.Equal(t, "bench", status.Recording.Name)

	// 4. Stop recording
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/recording", nil)
	resp, err = client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// 5. The session is listed with its counts
	resp, err = client.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	var listed struct {
		Sessions []store.Session `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed.Sessions, 1)
	sess := listed.Sessions[0]
	assert.Equal(t, 2, sess.PoseCount)
	assert.Equal(t, []float32{1280, 960, 900, 900, 640, 480}, sess.Intrinsics)
	assert.False(t, sess.Active())

	// 6. Delete it
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+sess.ID, nil)
	resp, err = client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = client.Get(ts.URL + "/api/sessions/" + sess.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_PoseWebSocket(t *testing.T) {
	monitor := engine.New(nil)
	ts := httptest.NewServer(New(Config{Monitor: monitor}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/poses"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return monitor.Stats().Subscribers == 1
	}, time.Second, 5*time.Millisecond)

	monitor.OnNewPose(&device.Pose{Timestamp: 42, Translation: [3]float64{1, -2, -3}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got device.Pose
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, int64(42), got.Timestamp)
	assert.Equal(t, [3]float64{1, -2, -3}, got.Translation)

	conn.Close()
	assert.Eventually(t, func() bool {
		return monitor.Stats().Subscribers == 0
	}, time.Second, 5*time.Millisecond)
}
