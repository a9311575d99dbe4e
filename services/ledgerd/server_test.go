package ledgerd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tandachain/crypto"
	"tandachain/ledger"
	"tandachain/native/credit"
	"tandachain/storage"
)

func makeAddress(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func stable(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000))
}

func newTestServer(t *testing.T) (*Server, *ledger.Ledger, *credit.StaticSource) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0).UTC()
	l := ledger.New(storage.NewMemDB(), ledger.Config{
		PoolAddress:       makeAddress(0xF0),
		CollateralAddress: makeAddress(0xF1),
	})
	l.SetNowFunc(func() time.Time { return now })

	source := credit.NewStaticSource()
	adapter := credit.NewAdapter(source, nil, 0)
	adapter.SetNowFunc(func() time.Time { return now })
	l.SetCreditAdapter(adapter)
	l.SetScoreSource(source)

	require.NoError(t, l.InitPool("USDT", true))

	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)

	return New(Config{Ledger: l}), l, source
}

func doJSON(t *testing.T, handler http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestDepositWaitReturnsCommittedReceipt(t *testing.T) {
	srv, l, _ := newTestServer(t)
	lender := makeAddress(0x01)
	require.NoError(t, l.CreditBalance(lender, stable(1_000), nil))

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/pools/USDT/deposit?wait=true", depositRequest{
		Owner:  lender.String(),
		Amount: stable(500).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, "committed", body["status"])
	require.NotEmpty(t, body["txId"])
	result, ok := body["result"].(map[string]any)
	require.True(t, ok, "result missing: %v", body)
	require.Equal(t, json.Number("500000000"), jsonNumber(t, result["shares"]))
	require.NotEmpty(t, body["events"])
}

// jsonNumber normalises the two shapes encoding/json can hand back for a
// big.Int field depending on the decoder configuration.
func jsonNumber(t *testing.T, v any) json.Number {
	t.Helper()
	switch n := v.(type) {
	case json.Number:
		return n
	case float64:
		return json.Number(new(big.Int).SetInt64(int64(n)).String())
	case string:
		return json.Number(n)
	default:
		t.Fatalf("unexpected number shape %T", v)
		return ""
	}
}

func TestSubmitThenPollReceipt(t *testing.T) {
	srv, l, _ := newTestServer(t)
	lender := makeAddress(0x02)
	require.NoError(t, l.CreditBalance(lender, stable(100), nil))

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/pools/USDT/deposit", depositRequest{
		Owner:  lender.String(),
		Amount: stable(100).String(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, "pending", body["status"])
	txID, ok := body["txId"].(string)
	require.True(t, ok)

	deadline := time.Now().Add(5 * time.Second)
	for {
		poll := doJSON(t, srv.Handler(), http.MethodGet, "/v1/tx/"+txID, nil)
		require.Equal(t, http.StatusOK, poll.Code)
		status := decodeBody(t, poll)["status"]
		if status == "committed" {
			return
		}
		require.Equal(t, "pending", status)
		if time.Now().After(deadline) {
			t.Fatalf("receipt never committed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAmountValidationRejectsGarbage(t *testing.T) {
	srv, _, _ := newTestServer(t)
	owner := makeAddress(0x03).String()
	for _, amount := range []string{"", "abc", "-5", "1.5", "0x10"} {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/pools/USDT/deposit", depositRequest{
			Owner:  owner,
			Amount: amount,
		})
		require.Equal(t, http.StatusBadRequest, rec.Code, "amount %q", amount)
	}

	huge := new(big.Int).Lsh(big.NewInt(1), 130).String()
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/pools/USDT/deposit", depositRequest{
		Owner:  owner,
		Amount: huge,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBadAddressRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/pools/USDT/deposit", depositRequest{
		Owner:  "not-an-address",
		Amount: "100",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFailedOperationSurfacesOnReceipt(t *testing.T) {
	srv, _, _ := newTestServer(t)
	broke := makeAddress(0x04)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/pools/USDT/deposit?wait=true", depositRequest{
		Owner:  broke.String(),
		Amount: stable(10).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "failed", body["status"])
	require.Contains(t, body["error"], "insufficient account balance")
}

func TestGetPoolReportsRates(t *testing.T) {
	srv, l, _ := newTestServer(t)
	lender := makeAddress(0x05)
	require.NoError(t, l.CreditBalance(lender, stable(2_000), nil))
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/pools/USDT/deposit?wait=true", depositRequest{
		Owner:  lender.String(),
		Amount: stable(2_000).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	get := doJSON(t, srv.Handler(), http.MethodGet, "/v1/pools/USDT", nil)
	require.Equal(t, http.StatusOK, get.Code)
	body := decodeBody(t, get)
	require.Equal(t, "USDT", body["asset"])
	require.Contains(t, body, "utilisationBps")
	require.Contains(t, body, "borrowApyBps")

	missing := doJSON(t, srv.Handler(), http.MethodGet, "/v1/pools/DOGE", nil)
	require.Equal(t, http.StatusNotFound, missing.Code)
}

func TestLoanLifecycleOverHTTP(t *testing.T) {
	srv, l, source := newTestServer(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	lender := makeAddress(0x06)
	borrower := makeAddress(0x07)
	require.NoError(t, l.CreditBalance(lender, stable(5_000), nil))
	source.Set(credit.Score{
		Wallet:    borrower,
		Value:     700,
		IssuedAt:  now,
		ExpiresAt: now.Add(365 * 24 * time.Hour),
	})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/pools/USDT/deposit?wait=true", depositRequest{
		Owner:  lender.String(),
		Amount: stable(5_000).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/loans?wait=true", loanRequest{
		Borrower:     borrower.String(),
		Asset:        "USDT",
		Amount:       stable(1_000).String(),
		DurationDays: 91,
		Frequency:    "weekly",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, "committed", body["status"])
	loanResult, ok := body["result"].(map[string]any)
	require.True(t, ok)
	loanID := jsonNumber(t, loanResult["id"]).String()

	get := doJSON(t, srv.Handler(), http.MethodGet, "/v1/loans/"+loanID, nil)
	require.Equal(t, http.StatusOK, get.Code)
	record := decodeBody(t, get)
	require.Equal(t, "active", record["status"])

	rec = doJSON(t, srv.Handler(), http.MethodPost, fmt.Sprintf("/v1/loans/%s/repay?wait=true", loanID), repayRequest{
		Payer:  borrower.String(),
		Amount: stable(100).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "committed", decodeBody(t, rec)["status"])
}

func TestUnknownResourcesReturnNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	for _, path := range []string{"/v1/tx/missing", "/v1/loans/99", "/v1/circles/99", "/v1/proposals/99"} {
		rec := doJSON(t, srv.Handler(), http.MethodGet, path, nil)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestThrottleRejectsBurst(t *testing.T) {
	_, l, _ := newTestServer(t)
	throttled := New(Config{Ledger: l, RequestsPerSecond: 0.001, Burst: 1})

	owner := makeAddress(0x08).String()
	first := doJSON(t, throttled.Handler(), http.MethodPost, "/v1/pools/USDT/deposit", depositRequest{
		Owner:  owner,
		Amount: "1",
	})
	require.NotEqual(t, http.StatusTooManyRequests, first.Code)

	second := doJSON(t, throttled.Handler(), http.MethodPost, "/v1/pools/USDT/deposit", depositRequest{
		Owner:  owner,
		Amount: "1",
	})
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	// reads bypass the submission limiter
	health := doJSON(t, throttled.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, health.Code)
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	srv, _, _ := newTestServer(t)
	doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ledgerd_requests_total")
}
