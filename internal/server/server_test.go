package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homeward/internal/config"
	"homeward/internal/journal"
	"homeward/internal/ledger"
	"homeward/internal/lifecycle"
	"homeward/internal/readmodel"
	"homeward/internal/walletauth"
)

const (
	testContract  = "0x5555555555555555555555555555555555555555"
	testSender    = "0x1111111111111111111111111111111111111111"
	testRecipient = "0x2222222222222222222222222222222222222222"
)

type countingClient struct {
	*ledger.FakeClient
	submits  atomic.Int32
	gate     chan struct{}
	readFail error
}

func (c *countingClient) SubmitCall(ctx context.Context, call ledger.Call) (ledger.CallHandle, error) {
	c.submits.Add(1)
	return c.FakeClient.SubmitCall(ctx, call)
}

func (c *countingClient) WaitForReceipt(ctx context.Context, h ledger.CallHandle) (ledger.Receipt, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		}
	}
	return c.FakeClient.WaitForReceipt(ctx, h)
}

func (c *countingClient) ReadState(ctx context.Context, call ledger.ReadCall) ([]any, error) {
	if c.readFail != nil {
		return nil, c.readFail
	}
	return c.FakeClient.ReadState(ctx, call)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testEnv struct {
	srv     *Server
	client  *countingClient
	manager *lifecycle.Manager
	journal *journal.MemoryJournal
}

func newTestEnv(t *testing.T, client *countingClient, health map[string]Pinger) *testEnv {
	t.Helper()
	if client == nil {
		client = &countingClient{FakeClient: ledger.NewFakeClient()}
	}
	cfg := &config.AppConfig{
		Service: config.ServiceConfig{WalletAuthSkew: time.Minute},
		Chain:   config.ChainConfig{Decimals: 18},
	}
	cfg.Deployment.Contracts.Remittance = testContract

	cache := readmodel.New(client, testContract, 18)
	j := journal.NewMemoryJournal()
	m := lifecycle.NewManager(client, lifecycle.Config{Contract: testContract},
		lifecycle.WithInvalidator(cache),
		lifecycle.WithRecorder(j),
	)
	srv := NewServer(cfg, Deps{Manager: m, Cache: cache, Journal: j, Health: health})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = m.Close(ctx)
		_ = srv.Shutdown(ctx)
	})
	return &testEnv{srv: srv, client: client, manager: m, journal: j}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func transferBody(t *testing.T, overrides map[string]string) []byte {
	t.Helper()
	body := map[string]string{
		"amount":             "100",
		"senderAddress":      testSender,
		"recipientAddress":   testRecipient,
		"recipientName":      "Maria Santos",
		"originCountry":      "US",
		"destinationCountry": "IN",
		"purpose":            "family-support",
	}
	for k, v := range overrides {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	return payload
}

func postJSON(path string, payload []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func awaitSettled(t *testing.T, m *lifecycle.Manager, id string) lifecycle.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := m.Await(ctx, id)
	require.NoError(t, err)
	return snap
}

func TestValidateReportsEveryViolation(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	payload := transferBody(t, map[string]string{
		"amount":           "-1",
		"recipientAddress": "nope",
		"purpose":          "gift",
	})
	rec := env.do(t, postJSON("/api/v1/remittances/validate", payload))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	var codes []string
	for _, e := range resp.Errors {
		codes = append(codes, e.Code)
	}
	assert.Equal(t, []string{"InvalidAmount", "InvalidRecipient", "InvalidPurpose"}, codes)
	assert.Zero(t, env.client.submits.Load())
}

func TestValidateReturnsFeeEstimate(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(t, postJSON("/api/v1/remittances/validate", transferBody(t, nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":true,"feeEstimate":"0.5","total":"100.5"}`, rec.Body.String())
}

func TestCreateWithWalletSignatureConfirms(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	// the body names someone else; the signed wallet is the sender
	payload := transferBody(t, nil)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := walletauth.Sign(key, ts, payload)
	require.NoError(t, err)

	req := postJSON("/api/v1/remittances", payload)
	req.Header.Set(walletauth.HeaderAddress, wallet)
	req.Header.Set(walletauth.HeaderSignature, sig)
	req.Header.Set(walletauth.HeaderTimestamp, ts)
	rec := env.do(t, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created lifecycle.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, wallet, created.SenderAddress)
	assert.Equal(t, "0.5", created.FeeEstimate.String())
	assert.Equal(t, "/api/v1/remittances/"+created.RequestID, rec.Header().Get("Location"))

	final := awaitSettled(t, env.manager, created.RequestID)
	assert.Equal(t, lifecycle.StateConfirmed, final.State)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/remittances/"+created.RequestID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"confirmed"`)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/remittances/"+created.RequestID+"/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		History []lifecycle.Snapshot `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.History, 3)
	assert.Equal(t, lifecycle.StateSubmitting, history.History[0].State)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/"+wallet+"/transaction-count", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/ledger/transactions/0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"recipientCountry":"IN"`)
}

func TestCreateRejectsInvalidRequest(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(t, postJSON("/api/v1/remittances", transferBody(t, map[string]string{
		"senderAddress": "",
		"recipientName": "  ",
	})))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "MissingRecipientName")
	assert.Contains(t, rec.Body.String(), "WalletNotConnected")
	assert.Zero(t, env.client.submits.Load())
	assert.Empty(t, env.manager.List())
}

func TestCreateIsIdempotentPerKey(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	payload := transferBody(t, nil)

	var ids []string
	for i := 0; i < 2; i++ {
		req := postJSON("/api/v1/remittances", payload)
		req.Header.Set("X-Idempotency-Key", "key-1")
		rec := env.do(t, req)
		require.Contains(t, []int{http.StatusAccepted, http.StatusOK}, rec.Code)
		var snap lifecycle.Snapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		ids = append(ids, snap.RequestID)
	}

	assert.Equal(t, ids[0], ids[1])
	awaitSettled(t, env.manager, ids[0])
	assert.EqualValues(t, 1, env.client.submits.Load())
}

func TestCreateReplaysJournaledDraft(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	require.NoError(t, env.journal.Record(context.Background(), lifecycle.Snapshot{
		RequestID: "earlier-session",
		DraftID:   strings.ToLower(testSender) + ":key-9",
		State:     lifecycle.StateConfirmed,
		Sequence:  3,
	}))

	req := postJSON("/api/v1/remittances", transferBody(t, nil))
	req.Header.Set("X-Idempotency-Key", "key-9")
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"requestId":"earlier-session"`)
	assert.Zero(t, env.client.submits.Load())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/remittances/earlier-session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIdempotencyKeyIsScopedToSender(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	var ids []string
	for _, sender := range []string{testSender, "0x3333333333333333333333333333333333333333"} {
		req := postJSON("/api/v1/remittances", transferBody(t, map[string]string{"senderAddress": sender}))
		req.Header.Set("X-Idempotency-Key", "shared")
		rec := env.do(t, req)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var snap lifecycle.Snapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, sender, snap.SenderAddress)
		ids = append(ids, snap.RequestID)
	}

	assert.NotEqual(t, ids[0], ids[1])
	for _, id := range ids {
		awaitSettled(t, env.manager, id)
	}
	assert.EqualValues(t, 2, env.client.submits.Load())
}

func TestCompleteLedgerTransaction(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(t, postJSON("/api/v1/ledger/transactions/0/complete", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code, "unknown transfer")
	rec = env.do(t, postJSON("/api/v1/ledger/transactions/abc/complete", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, postJSON("/api/v1/remittances", transferBody(t, nil)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created lifecycle.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	awaitSettled(t, env.manager, created.RequestID)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/ledger/transactions/0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"isCompleted":false`)

	req := postJSON("/api/v1/ledger/transactions/0/complete", nil)
	req.Header.Set("X-Idempotency-Key", "deliver-0")
	rec = env.do(t, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var completion lifecycle.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completion))
	assert.Equal(t, lifecycle.OperationComplete, completion.Operation)
	assert.Equal(t, "0", completion.LedgerTxID)
	assert.Equal(t, testRecipient, completion.Caller)
	assert.Equal(t, "/api/v1/remittances/"+completion.RequestID, rec.Header().Get("Location"))

	final := awaitSettled(t, env.manager, completion.RequestID)
	assert.Equal(t, lifecycle.StateConfirmed, final.State)
	assert.EqualValues(t, 2, env.client.submits.Load())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/ledger/transactions/0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"isCompleted":true`)

	rec = env.do(t, postJSON("/api/v1/ledger/transactions/0/complete", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.EqualValues(t, 2, env.client.submits.Load())
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(t, postJSON("/api/v1/remittances/missing/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, postJSON("/api/v1/remittances", transferBody(t, nil)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var snap lifecycle.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	awaitSettled(t, env.manager, snap.RequestID)

	rec = env.do(t, postJSON("/api/v1/remittances/"+snap.RequestID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListFiltersBySender(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(t, postJSON("/api/v1/remittances", transferBody(t, nil)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = env.do(t, postJSON("/api/v1/remittances", transferBody(t, map[string]string{
		"senderAddress": "0x3333333333333333333333333333333333333333",
	})))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/remittances?sender="+strings.ToLower(testSender), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Remittances []lifecycle.Snapshot `json:"remittances"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Remittances, 1)
	assert.Equal(t, testSender, resp.Remittances[0].SenderAddress)
}

func TestAccountViews(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/not-an-address/reputation", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/"+testSender+"/reputation", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"score":0`)

	env.client.readFail = errors.New("node unavailable")
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/"+testRecipient+"/reputation", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestEventsStreamEndsOnTerminalState(t *testing.T) {
	client := &countingClient{FakeClient: ledger.NewFakeClient(), gate: make(chan struct{})}
	env := newTestEnv(t, client, nil)

	rec := env.do(t, postJSON("/api/v1/remittances", transferBody(t, nil)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var snap lifecycle.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		stream := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(stream, httptest.NewRequest(http.MethodGet, "/api/v1/remittances/"+snap.RequestID+"/events", nil))
		done <- stream
	}()
	time.Sleep(20 * time.Millisecond)
	close(client.gate)

	select {
	case stream := <-done:
		body := stream.Body.String()
		assert.Equal(t, "text/event-stream", stream.Header().Get("Content-Type"))
		assert.True(t, strings.HasPrefix(body, "event: snapshot\n"), body)
		assert.Contains(t, body, `"state":"confirmed"`)
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not end")
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/remittances/missing/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountries(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/countries", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Countries []struct {
			Code string `json:"code"`
		} `json:"countries"`
		Purposes []string `json:"purposes"`
		FeeRate  string   `json:"feeRate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Countries, 8)
	assert.Len(t, resp.Purposes, 6)
	assert.Equal(t, "0.005", resp.FeeRate)
}

func TestHealthReportsDegradedComponents(t *testing.T) {
	env := newTestEnv(t, nil, map[string]Pinger{
		"ledger":  ledger.NewFakeClient(),
		"journal": failingPinger{},
	})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsExposeSubmissionsAndTransitions(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(t, postJSON("/api/v1/remittances", transferBody(t, nil)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var snap lifecycle.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	awaitSettled(t, env.manager, snap.RequestID)

	require.Eventually(t, func() bool {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
		body := rec.Body.String()
		return strings.Contains(body, `homeward_submissions_total{result="accepted"} 1`) &&
			strings.Contains(body, `homeward_transitions_total{state="confirmed"} 1`) &&
			strings.Contains(body, "homeward_readmodel_invalidations_total")
	}, 2*time.Second, 10*time.Millisecond)
}
