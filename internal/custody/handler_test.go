package custody

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmachain/internal/identity"
)

func newTestServer(t *testing.T) (*httptest.Server, *Ledger) {
	t.Helper()
	l := newTestLedger(t)
	h := NewHandler(l)
	srv := httptest.NewServer(h.Routes(identity.Middleware(identity.HeaderResolver{}, nil)))
	t.Cleanup(srv.Close)
	return srv, l
}

func post(t *testing.T, url string, caller Identity, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if caller != NoIdentity {
		req.Header.Set(identity.DefaultHeader, string(caller))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHandlerCustodyFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := post(t, srv.URL+"/batches", manufacturer, map[string]string{
		"batch_id": "BATCH001", "mfg_date": "2025-01-01", "exp_date": "2026-01-01",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var b Batch
	decode(t, resp, &b)
	assert.Equal(t, StatusCreated, b.Status)

	resp = post(t, srv.URL+"/batches/BATCH001/transfer", manufacturer, map[string]string{
		"to": string(distributor), "location": "Hanoi",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, srv.URL+"/batches/BATCH001/deliver", distributor, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &b)
	assert.Equal(t, StatusDelivered, b.Status)

	getResp, err := http.Get(srv.URL + "/batches/BATCH001")
	require.NoError(t, err)
	defer getResp.Body.Close()
	var raw map[string]interface{}
	decode(t, getResp, &raw)
	assert.Equal(t, "Delivered", raw["status"])
	assert.Equal(t, string(distributor), raw["current_owner"])

	histResp, err := http.Get(srv.URL + "/batches/BATCH001/history")
	require.NoError(t, err)
	defer histResp.Body.Close()
	var history []HistoryEntry
	decode(t, histResp, &history)
	require.Len(t, history, 3)
	assert.Equal(t, ActionDelivered, history[2].Action)

	countResp, err := http.Get(srv.URL + "/batches/count")
	require.NoError(t, err)
	defer countResp.Body.Close()
	var count map[string]int
	decode(t, countResp, &count)
	assert.Equal(t, 1, count["total"])

	idxResp, err := http.Get(srv.URL + "/batches/index/0")
	require.NoError(t, err)
	defer idxResp.Body.Close()
	var idx map[string]string
	decode(t, idxResp, &idx)
	assert.Equal(t, "BATCH001", idx["batch_id"])

	listResp, err := http.Get(srv.URL + "/batches")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var records []Record
	decode(t, listResp, &records)
	require.Len(t, records, 1)
	assert.Len(t, records[0].History, 3)
}

func TestHandlerErrorMapping(t *testing.T) {
	srv, l := newTestServer(t)
	_, err := l.RegisterBatch(context.Background(), "B1", "2025-01-01", "2026-01-01", manufacturer)
	require.NoError(t, err)

	cases := []struct {
		name   string
		path   string
		caller Identity
		body   interface{}
		status int
		kind   string
	}{
		{"missing identity", "/batches", NoIdentity, map[string]string{"batch_id": "B2"}, http.StatusUnauthorized, ""},
		{"empty dates", "/batches", manufacturer, map[string]string{"batch_id": "B2"}, http.StatusBadRequest, "invalid_argument"},
		{"duplicate", "/batches", manufacturer, map[string]string{"batch_id": "B1", "mfg_date": "x", "exp_date": "y"}, http.StatusConflict, "already_exists"},
		{"unknown batch", "/batches/nope/transfer", manufacturer, map[string]string{"to": "0xB"}, http.StatusNotFound, "not_found"},
		{"not owner", "/batches/B1/transfer", distributor, map[string]string{"to": "0xB"}, http.StatusForbidden, "unauthorized"},
		{"deliver before transfer", "/batches/B1/deliver", manufacturer, nil, http.StatusConflict, "invalid_state"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp := post(t, srv.URL+c.path, c.caller, c.body)
			assert.Equal(t, c.status, resp.StatusCode)
			if c.kind != "" {
				var body ErrorBody
				decode(t, resp, &body)
				assert.Equal(t, c.kind, body.Kind)
				assert.ErrorIs(t, KindError(body.Kind), KindError(c.kind))
			}
		})
	}

	resp, err := http.Get(srv.URL + "/batches/index/7")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/batches/nope/exists")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var exists map[string]bool
	decode(t, resp2, &exists)
	assert.False(t, exists["exists"])
}

func TestHandlerStreamsEvents(t *testing.T) {
	srv, l := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = l.RegisterBatch(context.Background(), "B1", "2025-01-01", "2026-01-01", manufacturer)
	require.NoError(t, err)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var n Notification
			require.NoError(t, json.Unmarshal([]byte(data), &n))
			assert.Equal(t, BatchRegistered, n.Kind)
			assert.Equal(t, "B1", n.BatchID)
			return
		}
	}
	t.Fatalf("stream ended: %v", scanner.Err())
}

func TestHandlerDecodesEscapedBatchIDs(t *testing.T) {
	srv, l := newTestServer(t)
	const id = "LOT/2025/001"
	_, err := l.RegisterBatch(context.Background(), id, "2025-01-01", "2026-01-01", manufacturer)
	require.NoError(t, err)

	base := srv.URL + "/batches/" + url.PathEscape(id)
	resp := post(t, base+"/transfer", manufacturer, map[string]string{"to": string(distributor), "location": "Hanoi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, base+"/deliver", distributor, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(base)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var b Batch
	decode(t, getResp, &b)
	assert.Equal(t, id, b.BatchID)
	assert.Equal(t, StatusDelivered, b.Status)

	histResp, err := http.Get(base + "/history")
	require.NoError(t, err)
	defer histResp.Body.Close()
	var history []HistoryEntry
	decode(t, histResp, &history)
	assert.Len(t, history, 3)

	// A literal percent sign needs no raw path and is taken as is.
	_, err = l.RegisterBatch(context.Background(), "50%off", "2025-01-01", "2026-01-01", manufacturer)
	require.NoError(t, err)
	existsResp, err := http.Get(srv.URL + "/batches/" + url.PathEscape("50%off") + "/exists")
	require.NoError(t, err)
	defer existsResp.Body.Close()
	var exists map[string]bool
	decode(t, existsResp, &exists)
	assert.True(t, exists["exists"])
}
