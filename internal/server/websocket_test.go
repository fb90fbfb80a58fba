package server

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/goevery/intercept/internal/auth"
	"github.com/goevery/intercept/internal/handler"
	"github.com/goevery/intercept/internal/ierr"
	"github.com/goevery/intercept/internal/session"
	"github.com/goevery/intercept/internal/supervisor"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frame is either a response or a server-initiated notification.
type frame struct {
	RequestId string           `json:"requestId"`
	Result    *json.RawMessage `json:"result"`
	Error     *ierr.Error      `json:"error"`
	Method    string           `json:"method"`
	Params    *json.RawMessage `json:"params"`
}

func dial(t *testing.T, app *testApp) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(app.server.URL, "http") + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()

	request := map[string]any{"id": id, "method": method}
	if params != nil {
		request["params"] = params
	}

	require.NoError(t, conn.WriteJSON(request))
}

func next(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var f frame
	require.NoError(t, conn.ReadJSON(&f))

	return f
}

func notifiedMessage(t *testing.T, f frame) streamedMessage {
	t.Helper()

	require.Equal(t, "message", f.Method)
	require.NotNil(t, f.Params)

	var message streamedMessage
	require.NoError(t, json.Unmarshal(*f.Params, &message))

	return message
}

func TestWebSocketServer_Subscribe(t *testing.T) {
	app := newTestApp(t, auth.NewAuthenticator("", nil))

	_, err := app.session.Ingest("pager", []string{"POCSAG1200|1111111|before"})
	require.NoError(t, err)

	conn := dial(t, app)

	call(t, conn, "1", "subscribe", handler.SubscribeRequest{Source: "pager"})

	response := next(t, conn)
	assert.Equal(t, "1", response.RequestId)
	require.Nil(t, response.Error)

	var subscribed handler.SubscribeResponse
	require.NoError(t, json.Unmarshal(*response.Result, &subscribed))
	assert.NotEmpty(t, subscribed.SubscriptionId)

	replayed := notifiedMessage(t, next(t, conn))
	assert.Equal(t, "1111111", replayed.Address)
	assert.Equal(t, uint64(1), replayed.Seq)

	_, err = app.session.Ingest("pager", []string{"POCSAG1200|2222222|after"})
	require.NoError(t, err)

	live := notifiedMessage(t, next(t, conn))
	assert.Equal(t, "2222222", live.Address)
	assert.Equal(t, uint64(2), live.Seq)

	assert.Equal(t, 1, app.session.Status().Subscribers["pager"])
}

func TestWebSocketServer_SubscribeTwice(t *testing.T) {
	app := newTestApp(t, auth.NewAuthenticator("", nil))
	conn := dial(t, app)

	call(t, conn, "1", "subscribe", handler.SubscribeRequest{Source: "sensor"})
	require.Nil(t, next(t, conn).Error)

	call(t, conn, "2", "subscribe", handler.SubscribeRequest{Source: "sensor"})
	response := next(t, conn)
	require.NotNil(t, response.Error)
	assert.Equal(t, ierr.ErrorCodeAlreadyExists, response.Error.Code)
}

func TestWebSocketServer_Unsubscribe(t *testing.T) {
	app := newTestApp(t, auth.NewAuthenticator("", nil))
	conn := dial(t, app)

	call(t, conn, "1", "subscribe", handler.SubscribeRequest{Source: "pager"})
	require.Nil(t, next(t, conn).Error)

	call(t, conn, "2", "unsubscribe", handler.UnsubscribeRequest{Source: "pager"})
	response := next(t, conn)
	require.Nil(t, response.Error)
	assert.Equal(t, "2", response.RequestId)

	_, err := app.session.Ingest("pager", []string{"POCSAG1200|1111111|ignored"})
	require.NoError(t, err)

	call(t, conn, "3", "heartbeat", nil)
	assert.Equal(t, "3", next(t, conn).RequestId)
	assert.Equal(t, 0, app.session.Status().Subscribers["pager"])
}

func TestWebSocketServer_Heartbeat(t *testing.T) {
	app := newTestApp(t, auth.NewAuthenticator("", nil))
	conn := dial(t, app)

	call(t, conn, "hb", "heartbeat", nil)

	response := next(t, conn)
	assert.Equal(t, "hb", response.RequestId)
	require.NotNil(t, response.Result)

	var heartbeat handler.HeartbeatResponse
	require.NoError(t, json.Unmarshal(*response.Result, &heartbeat))
	assert.WithinDuration(t, time.Now(), heartbeat.Timestamp, 5*time.Second)
}

func TestWebSocketServer_Status(t *testing.T) {
	app := newTestApp(t, auth.NewAuthenticator("", nil))
	conn := dial(t, app)

	call(t, conn, "1", "status", nil)

	response := next(t, conn)
	require.Nil(t, response.Error)

	var status session.Status
	require.NoError(t, json.Unmarshal(*response.Result, &status))
	assert.Equal(t, supervisor.StatusIdle, status.Pipelines["pager"].Status)
}

func TestWebSocketServer_Errors(t *testing.T) {
	app := newTestApp(t, auth.NewAuthenticator("", nil))
	conn := dial(t, app)

	t.Run("unknown method", func(t *testing.T) {
		call(t, conn, "1", "shutdown", nil)

		response := next(t, conn)
		require.NotNil(t, response.Error)
		assert.Equal(t, ierr.ErrorCodeNotFound, response.Error.Code)
	})

	t.Run("unknown source", func(t *testing.T) {
		call(t, conn, "2", "subscribe", handler.SubscribeRequest{Source: "adsb"})

		response := next(t, conn)
		require.NotNil(t, response.Error)
		assert.Equal(t, ierr.ErrorCodeInvalidArgument, response.Error.Code)
	})

	t.Run("invalid json closes the connection", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData))
	})
}
