package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/laborch/internal/log"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func serverFor(t *testing.T, name string, ts *httptest.Server) map[string]model.Server {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return map[string]model.Server{name: {Name: name, Host: u.Hostname(), Port: port}}
}

func newTestClient() *Client {
	return New(Options{
		DispatchTimeout:     2 * time.Second,
		AvailabilityTimeout: 500 * time.Millisecond,
		PrivateRetries:      3,
		RetryBackoff:        time.Millisecond,
	})
}

func TestDispatchActionEchoesUpdatedAction(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var req protocol.ActionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		req.Action.Status = model.StatusList{model.StatusActive}
		req.Action.ExecID = "exec-1"
		_ = json.NewEncoder(w).Encode(req.Action)
	}))
	defer ts.Close()

	servers := serverFor(t, "PSTAT", ts)
	a := model.NewAction(nil, model.Server{Name: "PSTAT"}, "run_CA", nil, model.NoWait)

	updated, code := newTestClient().DispatchAction(context.Background(), servers, a)
	require.Equal(t, model.ErrorNone, code)
	require.NotNil(t, updated)
	assert.Equal(t, "/PSTAT/run_CA", gotPath)
	assert.Equal(t, a.ActionUUID, updated.ActionUUID)
	assert.Equal(t, "exec-1", updated.ExecID)
	assert.Equal(t, servers["PSTAT"].Port, a.Server.Port, "server address resolved from world config")
}

func TestDispatchActionErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    model.ErrorCode
	}{
		{
			name:    "non-200",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			want:    model.ErrorHTTP,
		},
		{
			name:    "not json",
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<html>oops</html>")) },
			want:    model.ErrorHTTP,
		},
		{
			name:    "json but not an action",
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"detail":"bad"}`)) },
			want:    model.ErrorCritical,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()
			a := model.NewAction(nil, model.Server{Name: "PSTAT"}, "run_CA", nil, model.NoWait)
			updated, code := newTestClient().DispatchAction(context.Background(), serverFor(t, "PSTAT", ts), a)
			assert.Nil(t, updated)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestDispatchActionUnknownServer(t *testing.T) {
	a := model.NewAction(nil, model.Server{Name: "GHOST"}, "run_CA", nil, model.NoWait)
	updated, code := newTestClient().DispatchAction(context.Background(), map[string]model.Server{}, a)
	assert.Nil(t, updated)
	assert.Equal(t, model.ErrorNotAvailable, code)
}

func TestDispatchActionDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	a := model.NewAction(nil, model.Server{Name: "PSTAT"}, "run_CA", nil, model.NoWait)
	_, code := newTestClient().DispatchAction(context.Background(), serverFor(t, "PSTAT", ts), a)
	assert.Equal(t, model.ErrorHTTP, code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatchPrivateRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attach_client", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	srv := serverFor(t, "MOTOR", ts)["MOTOR"]
	raw, code := newTestClient().DispatchPrivate(context.Background(), srv.Name, srv.Host, srv.Port, "attach_client", protocol.ManagementRequest{OrchName: "ORCH"})
	require.Equal(t, model.ErrorNone, code)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatchPrivateGivesUp(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	srv := serverFor(t, "MOTOR", ts)["MOTOR"]
	_, code := newTestClient().DispatchPrivate(context.Background(), srv.Name, srv.Host, srv.Port, "estop", nil)
	assert.Equal(t, model.ErrorHTTP, code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCheckEndpointsAvailable(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	postOnly := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer postOnly.Close()
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	gone := httptest.NewServer(http.NotFoundHandler())
	goneURL := gone.URL
	gone.Close()

	c := newTestClient()
	all, failed := c.CheckEndpointsAvailable(context.Background(), []string{ok.URL, postOnly.URL})
	assert.True(t, all)
	assert.Empty(t, failed)

	all, failed = c.CheckEndpointsAvailable(context.Background(), []string{ok.URL, missing.URL, broken.URL, goneURL, slow.URL})
	assert.False(t, all)
	require.Len(t, failed, 4)
	assert.Equal(t, ClientError, failed[0].Reason)
	assert.Equal(t, http.StatusNotFound, failed[0].StatusCode)
	assert.Equal(t, ServerError, failed[1].Reason)
	assert.Equal(t, Unreachable, failed[2].Reason)
	assert.Equal(t, Timeout, failed[3].Reason)
}

func TestCheckEndpointsAvailableCertFailure(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	all, failed := newTestClient().CheckEndpointsAvailable(context.Background(), []string{ts.URL})
	assert.False(t, all)
	require.Len(t, failed, 1)
	assert.Equal(t, CertFailure, failed[0].Reason)
}
