package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamscao/trustgate/internal/accounts"
	"github.com/adamscao/trustgate/internal/apiclient"
	"github.com/adamscao/trustgate/internal/approval"
	"github.com/adamscao/trustgate/internal/auth"
	"github.com/adamscao/trustgate/internal/broker"
	"github.com/adamscao/trustgate/internal/clientcache"
	"github.com/adamscao/trustgate/internal/config"
	"github.com/adamscao/trustgate/internal/db/repository"
	"github.com/adamscao/trustgate/internal/testutil"
	"github.com/adamscao/trustgate/internal/transport"
	"github.com/adamscao/trustgate/internal/truststore"
	"github.com/adamscao/trustgate/pkg/certutil"
)

const (
	adminToken = "test-admin-token"
	testKey    = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

type fixture struct {
	server   *Server
	channel  *approval.Channel
	store    *truststore.Store
	secret   string
	upstream *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	key, err := auth.GenerateGateKey("test")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Admin.Token = adminToken
	cfg.Gate.TOTPSecret = key.Secret()
	cfg.Encryption.Key = testKey

	database := testutil.OpenDB(t)
	auditRepo := repository.NewAuditRepository(database.DB)

	store, err := truststore.Open(repository.NewTrustRepository(database.DB), nil)
	require.NoError(t, err)

	sealer, err := auth.NewSealer(testKey)
	require.NoError(t, err)

	channel := approval.New(nil)
	decisions := broker.New(store, channel, broker.Config{Auditor: auditRepo})
	svc := accounts.NewService(repository.NewAccountRepository(database.DB), sealer, auditRepo, nil)

	factory := &apiclient.Factory{
		Decider: decisions,
		Transport: transport.Config{
			DialTimeout:      time.Second,
			HandshakeTimeout: 5 * time.Second,
			RootCAs:          x509.NewCertPool(),
		},
		Credentials:    svc,
		RequestTimeout: 10 * time.Second,
		UserAgent:      "trustgate-test",
	}
	cache := clientcache.New(svc, factory.Build, nil)
	svc.OnBaseURLChange(cache.Invalidate)

	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"installed":true,"versionstring":"28.0.1","productname":"Nextcloud"}`))
	}))
	t.Cleanup(upstream.Close)

	server := NewServer(cfg, Dependencies{
		Channel:    channel,
		TrustStore: store,
		Accounts:   svc,
		Clients:    cache,
		AuditRepo:  auditRepo,
	}, testutil.Logger(t))

	return &fixture{server: server, channel: channel, store: store, secret: key.Secret(), upstream: upstream}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Admin-Token", adminToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) gateCode(t *testing.T) map[string]string {
	t.Helper()
	code, err := totp.GenerateCode(f.secret, time.Now().UTC())
	require.NoError(t, err)
	return map[string]string{"X-Gate-Code": code}
}

// wrongGateCode returns a current code of an unrelated secret that the
// fixture's gate rejects
func (f *fixture) wrongGateCode(t *testing.T) map[string]string {
	t.Helper()
	for {
		other, err := auth.GenerateGateKey("other")
		require.NoError(t, err)
		code, err := totp.GenerateCode(other.Secret(), time.Now().UTC())
		require.NoError(t, err)
		if !auth.ValidateTOTP(f.secret, code) {
			return map[string]string{"X-Gate-Code": code}
		}
	}
}

func (f *fixture) createAccount(t *testing.T) int64 {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/accounts", map[string]string{
		"name":     "work",
		"base_url": f.upstream.URL,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var account struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	return account.ID
}

func (f *fixture) waitForApproval(t *testing.T) string {
	t.Helper()
	var handle string
	require.Eventually(t, func() bool {
		outstanding := f.channel.Outstanding()
		if len(outstanding) == 0 {
			return false
		}
		handle = outstanding[0].Handle
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return handle
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAdminTokenRequired(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/trust", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/trust", nil, map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAccountLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.createAccount(t)

	rec := f.do(t, http.MethodPost, "/v1/accounts", map[string]string{
		"name":     "work",
		"base_url": "https://other.example",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/accounts", map[string]string{
		"name":     "bad",
		"base_url": "ftp://other.example",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/accounts/999/base-url", map[string]string{"base_url": "https://x.example"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/accounts/abc/base-url", map[string]string{"base_url": "https://x.example"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/accounts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"work"`)
	assert.NotZero(t, id)
}

func TestProbeApprovedThenForgotten(t *testing.T) {
	f := newFixture(t)
	id := f.createAccount(t)

	probe := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		probe <- f.do(t, http.MethodPost, "/v1/accounts/"+strconv.FormatInt(id, 10)+"/probe", nil, nil)
	}()

	handle := f.waitForApproval(t)

	rec := f.do(t, http.MethodGet, "/v1/approvals", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), handle)
	assert.Contains(t, rec.Body.String(), "Do you want to trust this certificate anyway?")

	// verdicts need the gate code
	rec = f.do(t, http.MethodPost, "/v1/approvals/"+handle, map[string]string{"verdict": "proceed"}, f.wrongGateCode(t))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/approvals/"+handle, map[string]string{"verdict": "proceed"}, f.gateCode(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := <-probe
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Contains(t, res.Body.String(), `"productname":"Nextcloud"`)

	fp := certutil.Fingerprint(f.upstream.Certificate())
	assert.True(t, f.store.IsTrusted(fp))

	// a second resolution of the same handle is a no-op
	rec = f.do(t, http.MethodPost, "/v1/approvals/"+handle, map[string]string{"verdict": "cancel"}, f.gateCode(t))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/trust", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), fp)

	rec = f.do(t, http.MethodDelete, "/v1/trust/"+fp, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.store.IsTrusted(fp))

	rec = f.do(t, http.MethodDelete, "/v1/trust/"+fp, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/audit?action=trust_granted", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), fp)
}

func TestTrustReset(t *testing.T) {
	f := newFixture(t)

	a, b := testutil.Leaf(t), testutil.Leaf(t)
	require.NoError(t, f.store.Trust(a))
	require.NoError(t, f.store.Trust(b))

	rec := f.do(t, http.MethodDelete, "/v1/trust", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"removed":2`)

	// the running store forgets immediately
	assert.False(t, f.store.IsTrusted(certutil.Fingerprint(a)))
	assert.False(t, f.store.IsTrusted(certutil.Fingerprint(b)))
	assert.Empty(t, f.store.List())

	rec = f.do(t, http.MethodGet, "/v1/audit?action=trust_reset", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "removed 2 records")
}

func TestProbeRejected(t *testing.T) {
	f := newFixture(t)
	id := f.createAccount(t)

	probe := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		probe <- f.do(t, http.MethodPost, "/v1/accounts/"+strconv.FormatInt(id, 10)+"/probe", nil, nil)
	}()

	handle := f.waitForApproval(t)
	rec := f.do(t, http.MethodPost, "/v1/approvals/"+handle, map[string]string{"verdict": "cancel"}, f.gateCode(t))
	require.Equal(t, http.StatusOK, rec.Code)

	res := <-probe
	assert.Equal(t, http.StatusBadGateway, res.Code)
	assert.Contains(t, res.Body.String(), "trust_rejected")
	assert.Empty(t, f.store.List())
}

func TestProbeOverrideSendsNoCredentials(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/accounts", map[string]string{
		"name":     "work",
		"base_url": f.upstream.URL,
		"username": "alice",
		"password": "s3cret",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var account struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))

	var mu sync.Mutex
	var sawAuth bool
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := r.BasicAuth()
		mu.Lock()
		sawAuth = sawAuth || ok
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"installed":true}`))
	}))
	defer foreign.Close()

	rec = f.do(t, http.MethodPost, "/v1/accounts/"+strconv.FormatInt(account.ID, 10)+"/probe",
		map[string]string{"base_url": foreign.URL}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, sawAuth)
}

func TestProbeUnknownAccount(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/accounts/7/probe", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveInvalidVerdict(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/approvals/whatever", map[string]string{"verdict": "maybe"}, f.gateCode(t))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamDisconnectCancelsApprovals(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/approvals/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", adminToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := bufio.NewScanner(resp.Body)
	readEvent := func(name string) string {
		for lines.Scan() {
			if lines.Text() == "event:"+name {
				require.True(t, lines.Scan())
				return strings.TrimPrefix(lines.Text(), "data:")
			}
		}
		t.Fatalf("stream ended before %s event", name)
		return ""
	}

	readEvent("ready")

	pending, err := f.channel.Publish(context.Background(), testutil.Leaf(t))
	require.NoError(t, err)

	data := readEvent("approval")
	var event struct {
		Handle string `json:"handle"`
		Prompt string `json:"prompt"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &event))
	assert.Equal(t, pending.Handle(), event.Handle)
	assert.Contains(t, event.Prompt, "Issued for:  [DNS]localhost [IP]127.0.0.1")

	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	verdict, err := pending.Wait(waitCtx)
	assert.Equal(t, approval.Cancel, verdict)
	assert.ErrorIs(t, err, approval.ErrSurfaceClosed)
}
