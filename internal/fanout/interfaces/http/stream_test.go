package http

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airwatch-ingest/internal/fanout"
	sensors "airwatch-ingest/internal/sensors/domain"
)

func waitForSubscribers(t *testing.T, hub *fanout.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Subscribers() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestStreamHandlerEmitsReadings(t *testing.T) {
	hub := fanout.NewHub()
	srv := httptest.NewServer(NewStreamHandler(hub))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?sensorId=S1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitForSubscribers(t, hub, 1)
	hub.Publish(fanout.Notification{SensorID: "S2", ReadingID: "skip"})
	hub.Publish(fanout.Notification{SensorID: "S1", ReadingID: "r1", Status: sensors.StatusFresh})

	reader := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") && strings.TrimSpace(line) != "data: {}" {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}

	var got fanout.Notification
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "r1", got.ReadingID)
	assert.Equal(t, sensors.StatusFresh, got.Status)
}

func TestStreamHandlerRejectsPost(t *testing.T) {
	rec := httptest.NewRecorder()
	NewStreamHandler(fanout.NewHub()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebSocketHandlerEmitsReadings(t *testing.T) {
	hub := fanout.NewHub()
	srv := httptest.NewServer(NewWebSocketHandler(hub, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitForSubscribers(t, hub, 1)
	hub.Publish(fanout.Notification{SensorID: "S1", ReadingID: "r1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got fanout.Notification
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "r1", got.ReadingID)
}
