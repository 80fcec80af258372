package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	"alarmd/internal/sched"
	"alarmd/internal/storage"
	"alarmd/internal/wake"
	logx "alarmd/pkg/logx"
)

type deniedWake struct{}

func (deniedWake) RequestAt(time.Time, alarm.Key) error { return wake.ErrPermissionDenied }
func (deniedWake) Cancel(alarm.Key) error               { return nil }

func newTestServer(t *testing.T, wk wake.Scheduler) (*httptest.Server, *sched.Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if wk == nil {
		tm := wake.NewTimers(logx.Nop(), nil)
		t.Cleanup(tm.Close)
		wk = tm
	}
	sc := sched.New(sched.Config{Enabled: true, Timezone: "UTC"}, st, wk, logx.Nop(), eventbus.New())

	svc := New(Config{Enabled: true}, st, sc, logx.Nop())
	ts := httptest.NewServer(svc.router())
	t.Cleanup(ts.Close)
	return ts, sc, st
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCreateAndListAlarms(t *testing.T) {
	t.Parallel()
	ts, sc, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/alarms", alarmJSON{
		Time:   "07:30",
		Days:   []string{"mon", "wed"},
		Active: true,
		Label:  "weekday run",
		Repeat: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[alarmJSON](t, resp)
	assert.NotEmpty(t, created.ID, "server assigns an id")
	assert.Equal(t, "07:30", created.Time)

	assert.Len(t, sc.PendingKeys(created.ID), 2, "one wake event per weekday")

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/alarms", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]alarmJSON](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"mon", "wed"}, list[0].Days)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	ts, _, _ := newTestServer(t, nil)

	cases := []struct {
		name string
		body alarmJSON
		want int
	}{
		{name: "bad time", body: alarmJSON{Time: "25:00", Days: []string{"mon"}}, want: http.StatusUnprocessableEntity},
		{name: "bad day", body: alarmJSON{Time: "07:00", Days: []string{"someday"}}, want: http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, ts.URL+"/api/alarms", tc.body)
			defer resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	resp, err := http.Post(ts.URL+"/api/alarms", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetMissingAlarm(t *testing.T) {
	t.Parallel()
	ts, _, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/alarms/nope", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateMovesWakeKeys(t *testing.T) {
	t.Parallel()
	ts, sc, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/alarms", alarmJSON{
		ID: "a1", Time: "07:30", Days: []string{"mon", "thu"}, Active: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPut, ts.URL+"/api/alarms/a1", alarmJSON{
		Time: "08:15", Days: []string{"thu"}, Active: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	keys := sc.PendingKeys("a1")
	require.Len(t, keys, 1)
	tod, _ := alarm.ParseTimeOfDay("08:15")
	assert.Equal(t, alarm.NewKey("a1", time.Thursday, tod), keys[0])
}

func TestSetActiveTogglesArming(t *testing.T) {
	t.Parallel()
	ts, sc, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/alarms", alarmJSON{
		ID: "a1", Time: "06:00", Days: []string{"sat", "sun"}, Active: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	require.Len(t, sc.PendingKeys("a1"), 2)

	resp = doJSON(t, http.MethodPut, ts.URL+"/api/alarms/a1/active", map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Empty(t, sc.PendingKeys("a1"))

	resp = doJSON(t, http.MethodPut, ts.URL+"/api/alarms/a1/active", map[string]bool{"active": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Len(t, sc.PendingKeys("a1"), 2)
}

func TestDeleteAlarm(t *testing.T) {
	t.Parallel()
	ts, sc, st := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/alarms", alarmJSON{
		ID: "a1", Time: "07:00", Days: []string{"fri"}, Active: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/alarms/a1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	assert.Empty(t, sc.PendingKeys("a1"))
	_, err := st.Get(context.Background(), "a1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/alarms/a1", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSurfacesPermissionDenied(t *testing.T) {
	t.Parallel()
	ts, _, _ := newTestServer(t, deniedWake{})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/alarms", alarmJSON{
		ID: "a1", Time: "07:30", Days: []string{"mon"}, Active: true,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	ts, _, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/alarms", alarmJSON{
		ID: "a1", Time: "23:59", Days: []string{"mon"}, Active: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[sched.Snapshot](t, resp)
	assert.Equal(t, "a1", snap.NextAlarmID)
	require.Len(t, snap.Alarms, 1)
	assert.Equal(t, "armed", snap.Alarms[0].State)
}

func TestCreateDuplicateIDConflicts(t *testing.T) {
	t.Parallel()
	ts, _, _ := newTestServer(t, nil)

	body := alarmJSON{ID: "a1", Time: "07:30", Days: []string{"mon"}, Active: true}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/alarms", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/alarms", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
