package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeledger/internal/cache/local"
	"github.com/alanyoungcy/stakeledger/internal/crypto"
	"github.com/alanyoungcy/stakeledger/internal/custody/token"
	"github.com/alanyoungcy/stakeledger/internal/ledger"
	"github.com/alanyoungcy/stakeledger/internal/server/handler"
	"github.com/alanyoungcy/stakeledger/internal/service"
	"github.com/alanyoungcy/stakeledger/internal/store/memory"
)

var (
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	vault    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

const aliceKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type testEnv struct {
	handler http.Handler
	tok     *token.Token
	alice   *crypto.Signer
	domain  crypto.Domain
	now     *time.Time
}

type envOpts struct {
	apiKey    string
	rateLimit int
	signed    bool
}

func newEnv(t *testing.T, o envOpts) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, err := ethcrypto.HexToECDSA(aliceKeyHex)
	require.NoError(t, err)
	alice, err := crypto.NewSigner(key, 31337)
	require.NoError(t, err)

	tok, err := token.New("Stake", "STK", 0, uint256.NewInt(10_000_000), treasury)
	require.NoError(t, err)
	require.NoError(t, tok.Transfer(treasury, alice.Address(), uint256.NewInt(1_000_000)))
	require.NoError(t, tok.Transfer(treasury, vault, uint256.NewInt(100_000)))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{tok: tok, alice: alice, domain: crypto.NewDomain("stakeledger", "1", 31337), now: &now}

	l, err := ledger.New(ledger.Params{
		Asset:                    "STK",
		InitialAPR:               500,
		MinLockDuration:          7 * 24 * time.Hour,
		APRReductionPerThousand:  10,
		EmergencyWithdrawPenalty: 10,
	}, memory.NewStakeStore(), token.NewCustody(tok, vault), logger,
		ledger.WithClock(func() time.Time { return *env.now }))
	require.NoError(t, err)

	bus := local.NewSignalBus(100)
	svc := service.NewStakingService(l, local.NewLockManager(), bus, memory.NewAuditStore(), logger)

	var guard *handler.SignatureGuard
	if o.signed {
		guard = handler.NewSignatureGuard(env.domain, local.NewReplayGuard(), 5*time.Minute)
	}

	srv := NewServer(Config{
		APIKey:     o.apiKey,
		RateLimit:  o.rateLimit,
		RateWindow: time.Minute,
	}, Handlers{
		Health: handler.NewHealthHandler(logger),
		Pool:   handler.NewPoolHandler(svc, logger),
		Stakes: handler.NewStakeHandler(svc, guard, l.Params().MinLockDuration, logger),
		Token:  handler.NewTokenHandler(tok, vault, treasury, guard, logger),
	}, nil, local.NewRateLimiter(o.rateLimit, time.Minute), logger)
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (e *testEnv) sign(t *testing.T, a crypto.Action) string {
	t.Helper()
	sig, err := e.alice.SignAction(e.domain, a)
	require.NoError(t, err)
	return sig
}

func TestHealthIsPublic(t *testing.T) {
	env := newEnv(t, envOpts{apiKey: "secret"})

	rec, body := env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, _ = env.do(t, http.MethodGet, "/api/pool", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/pool", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/pool", nil, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStakeLifecycle(t *testing.T) {
	env := newEnv(t, envOpts{})
	owner := env.alice.Address().Hex()

	rec, body := env.do(t, http.MethodPost, "/api/token/approve", map[string]any{"owner": owner, "amount": "1000000"})
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, "1000000", body["allowance"])

	rec, body = env.do(t, http.MethodPost, "/api/stakes", map[string]any{"owner": owner, "amount": "1000000"})
	require.Equal(t, http.StatusCreated, rec.Code, body)
	assert.EqualValues(t, 1, body["id"])
	assert.EqualValues(t, 500, body["apr_at_open"])

	rec, body = env.do(t, http.MethodGet, "/api/pool", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000000", body["total_staked"])
	assert.EqualValues(t, 0, body["current_apr"])

	rec, body = env.do(t, http.MethodPost, "/api/stakes/1/unstake", map[string]any{"owner": owner})
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "lock duration not expired", body["error"])

	*env.now = env.now.Add(7 * 24 * time.Hour)
	rec, body = env.do(t, http.MethodGet, "/api/stakes/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "958", body["pending_reward"])

	rec, body = env.do(t, http.MethodPost, "/api/stakes/1/unstake", map[string]any{"owner": owner})
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, "958", body["reward"])
	assert.Equal(t, "1000958", body["payout"])

	rec, _ = env.do(t, http.MethodPost, "/api/stakes/1/unstake", map[string]any{"owner": owner})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = env.do(t, http.MethodGet, "/api/stakes?owner="+owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	assert.Equal(t, true, positions[0].(map[string]any)["withdrawn"])

	rec, body = env.do(t, http.MethodGet, "/api/token/balances/"+owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000958", body["balance"])
}

func TestEmergencyWithdraw(t *testing.T) {
	env := newEnv(t, envOpts{})
	owner := env.alice.Address()
	require.NoError(t, env.tok.Approve(owner, vault, uint256.NewInt(1000)))

	rec, _ := env.do(t, http.MethodPost, "/api/stakes", map[string]any{"owner": owner.Hex(), "amount": "1000"})
	require.Equal(t, http.StatusCreated, rec.Code)

	other := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	rec, _ = env.do(t, http.MethodPost, "/api/stakes/1/emergency", map[string]any{"owner": other.Hex()})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body := env.do(t, http.MethodPost, "/api/stakes/1/emergency", map[string]any{"owner": owner.Hex()})
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, "emergency", body["kind"])
	assert.Equal(t, "100", body["penalty"])
	assert.Equal(t, "900", body["payout"])
}

func TestRequestErrors(t *testing.T) {
	env := newEnv(t, envOpts{})
	owner := env.alice.Address().Hex()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"zero amount", http.MethodPost, "/api/stakes", map[string]any{"owner": owner, "amount": "0"}, http.StatusBadRequest},
		{"bad amount", http.MethodPost, "/api/stakes", map[string]any{"owner": owner, "amount": "1.5"}, http.StatusBadRequest},
		{"bad owner", http.MethodPost, "/api/stakes", map[string]any{"owner": "bob", "amount": "1"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/stakes", map[string]any{"owner": owner, "amount": "1", "x": 1}, http.StatusBadRequest},
		{"no allowance", http.MethodPost, "/api/stakes", map[string]any{"owner": owner, "amount": "5"}, http.StatusPaymentRequired},
		{"unknown position", http.MethodGet, "/api/stakes/42", nil, http.StatusNotFound},
		{"bad id", http.MethodGet, "/api/stakes/zero", nil, http.StatusBadRequest},
		{"list without owner", http.MethodGet, "/api/stakes", nil, http.StatusBadRequest},
		{"grant without api key", http.MethodPost, "/api/token/grant", map[string]any{"to": owner, "amount": "1"}, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := env.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, rec.Code, body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestAPRQuote(t *testing.T) {
	env := newEnv(t, envOpts{})

	rec, body := env.do(t, http.MethodGet, "/api/apr?total=1000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 490, body["apr"])

	rec, body = env.do(t, http.MethodGet, "/api/apr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 500, body["apr"])
}

func TestGrant(t *testing.T) {
	env := newEnv(t, envOpts{apiKey: "secret"})
	bob := common.HexToAddress("0x00000000000000000000000000000000000000b2")

	rec, body := env.do(t, http.MethodPost, "/api/token/grant",
		map[string]any{"to": bob.Hex(), "amount": "250"}, "X-API-Key", "secret")
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, "250", body["balance"])

	rec, _ = env.do(t, http.MethodPost, "/api/token/grant",
		map[string]any{"to": bob.Hex(), "amount": "100000000"}, "X-API-Key", "secret")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestSignedRequests(t *testing.T) {
	env := newEnv(t, envOpts{signed: true})
	owner := env.alice.Address()
	require.NoError(t, env.tok.Approve(owner, vault, uint256.NewInt(10_000)))

	deadline := time.Now().Add(time.Minute).Unix()
	action := crypto.Action{Owner: owner, Kind: "stake", Amount: uint256.NewInt(1000), Nonce: 7, Deadline: deadline}
	req := map[string]any{
		"owner":     owner.Hex(),
		"amount":    "1000",
		"nonce":     7,
		"deadline":  deadline,
		"signature": env.sign(t, action),
	}

	rec, body := env.do(t, http.MethodPost, "/api/stakes", req)
	require.Equal(t, http.StatusCreated, rec.Code, body)

	rec, _ = env.do(t, http.MethodPost, "/api/stakes", req)
	assert.Equal(t, http.StatusConflict, rec.Code, "nonce replay")

	tampered := map[string]any{}
	for k, v := range req {
		tampered[k] = v
	}
	tampered["amount"] = "2000"
	tampered["nonce"] = 8
	rec, _ = env.do(t, http.MethodPost, "/api/stakes", tampered)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/stakes", map[string]any{"owner": owner.Hex(), "amount": "1000"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "unsigned")

	far := time.Now().Add(time.Hour).Unix()
	farAction := crypto.Action{Owner: owner, Kind: "stake", Amount: uint256.NewInt(1000), Nonce: 9, Deadline: far}
	rec, _ = env.do(t, http.MethodPost, "/api/stakes", map[string]any{
		"owner": owner.Hex(), "amount": "1000", "nonce": 9, "deadline": far,
		"signature": env.sign(t, farAction),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, "deadline beyond max age")

	exit := crypto.Action{Owner: owner, Kind: "emergency", PositionID: 1, Nonce: 10, Deadline: deadline}
	rec, body = env.do(t, http.MethodPost, "/api/stakes/1/emergency", map[string]any{
		"owner": owner.Hex(), "nonce": 10, "deadline": deadline,
		"signature": env.sign(t, exit),
	})
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, "900", body["payout"])
}

func TestRateLimit(t *testing.T) {
	env := newEnv(t, envOpts{rateLimit: 2})

	for i := 0; i < 2; i++ {
		rec, _ := env.do(t, http.MethodGet, "/api/pool", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := env.do(t, http.MethodGet, "/api/pool", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	env := newEnv(t, envOpts{apiKey: "secret"})

	req := httptest.NewRequest(http.MethodOptions, "/api/stakes", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
