package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doseal/agentwallet/internal/circuitbreaker"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestCode_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want Code
	}{
		{`{"code":200}`, CodeSuccessful},
		{`{"code":"400"}`, CodeFailed},
		{`{"code":411}`, CodePending},
		{`{"code":null}`, ""},
		{`{}`, ""},
	}
	for _, tt := range tests {
		var v struct {
			Code Code `json:"code"`
		}
		require.NoError(t, json.Unmarshal([]byte(tt.in), &v), tt.in)
		assert.Equal(t, tt.want, v.Code, tt.in)
	}

	var bad struct {
		Code Code `json:"code"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"code":true}`), &bad))
	assert.Equal(t, 477, CodeRefunded.Int())
	assert.Equal(t, 0, Code("x").Int())
}

func TestClient_Payout(t *testing.T) {
	var got PayoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/payouts", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"code":411,"message":"Transaction initiated","zeepay_id":"ZP-9"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", Token: "tok", CallbackURL: "https://wallet.example"}, discard)
	res, err := c.Payout(context.Background(), PayoutRequest{Amount: "120.00", ExtrID: "CR_1"})
	require.NoError(t, err)
	assert.Equal(t, CodePending, res.Code)
	assert.Equal(t, "ZP-9", res.GatewayRef)
	assert.Equal(t, "CR_1", got.ExtrID)
	assert.Equal(t, "https://wallet.example/v1/callbacks/credit", got.CallbackURL)
}

func TestClient_PayoutNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, RetryMax: 3}, discard)
	_, err := c.Payout(context.Background(), PayoutRequest{ExtrID: "CR_1"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ReverseRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/transactions/ZP-1/reverse/Debit worked but credit leg of transaction failed.", r.URL.Path)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "ZP-1", body["zeepay_id"])
		_, _ = w.Write([]byte(`{"code":"200","message":"Reversed"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, RetryMax: 2}, discard)
	res, err := c.Reverse(context.Background(), "ZP-1", "Debit worked but credit leg of transaction failed.")
	require.NoError(t, err)
	assert.Equal(t, CodeSuccessful, res.Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ClientErrorBodyIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":400,"message":"Invalid account"}`))
	}))
	defer srv.Close()

	res, err := New(Config{BaseURL: srv.URL}, discard).Payout(context.Background(), PayoutRequest{})
	require.NoError(t, err)
	assert.Equal(t, CodeFailed, res.Code)
	assert.Equal(t, "Invalid account", res.Message)
}

func TestClient_SendSMS(t *testing.T) {
	var recipient []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message   string   `json:"message"`
			Recipient []string `json:"recipient"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		recipient = body.Recipient
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := New(Config{BaseURL: srv.URL}, discard).SendSMS(context.Background(), "+447700900123", "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"447700900123"}, recipient)
}

func TestClient_CircuitOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, discard).WithBreaker(circuitbreaker.New(circuitbreaker.Settings{FailureThreshold: 2, CoolDown: time.Minute}))
	for i := 0; i < 2; i++ {
		_, err := c.Reverse(context.Background(), "ZP-1", "r")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	_, err := c.Reverse(context.Background(), "ZP-1", "r")
	assert.True(t, errors.Is(err, ErrCircuitOpen), "got %v", err)
	assert.Contains(t, err.Error(), "reverse, retry in 1m0s")
}

func TestClient_NotConfigured(t *testing.T) {
	_, err := New(Config{}, discard).Reverse(context.Background(), "ZP-1", "r")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
