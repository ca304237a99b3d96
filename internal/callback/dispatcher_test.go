package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doseal/agentwallet/internal/gateway"
)

func TestPayoutRequestFor(t *testing.T) {
	cr := &Transaction{
		InternalReference: "CR_abc",
		CommonIdentifier:  "DR_abc",
		SenderCountry:     "GB",
		SenderName:        "Ama Kofi Mensah",
		Payout:            debitRequest("DR_abc").Payout,
	}
	req, err := PayoutRequestFor(cr)
	require.NoError(t, err)
	assert.Equal(t, "CR_abc", req.ExtrID)
	assert.Equal(t, "DR_abc", req.ClientReference)
	assert.Equal(t, "900.00", req.Amount)
	assert.Equal(t, "60.00", req.SendAmount)
	assert.Equal(t, "Ama", req.SenderFirstName)
	assert.Equal(t, "Kofi Mensah", req.SenderLastName)
	assert.Equal(t, "wallet", req.ServiceType)
	assert.Equal(t, "Cr", req.TransactionType)

	_, err = PayoutRequestFor(&Transaction{InternalReference: "CR_x"})
	assert.ErrorIs(t, err, ErrNoPayoutDetails)
}

func TestSplitName(t *testing.T) {
	tests := []struct{ in, first, last string }{
		{"", "", ""},
		{"Kwame", "Kwame", ""},
		{"  Kwame   Asante ", "Kwame", "Asante"},
	}
	for _, tt := range tests {
		first, last := splitName(tt.in)
		assert.Equal(t, tt.first, first, tt.in)
		assert.Equal(t, tt.last, last, tt.in)
	}
}

func TestGatewayDispatcher_Payout(t *testing.T) {
	var got gateway.PayoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"code":411,"message":"Transaction initiated","zeepay_id":"ZP-5"}`))
	}))
	defer srv.Close()

	d := NewGatewayDispatcher(gateway.New(gateway.Config{BaseURL: srv.URL}, discard))
	res, err := d.Dispatch(context.Background(), &Transaction{
		InternalReference: "CR_abc",
		Payout:            debitRequest("DR_abc").Payout,
	})
	require.NoError(t, err)
	assert.Equal(t, gateway.CodePending, res.Code)
	assert.Equal(t, "ZP-5", res.GatewayRef)
	assert.Equal(t, "CR_abc", got.ExtrID)
	assert.Equal(t, "233200000000", got.ReceiverMSISDN)
}

func TestLogNotifier_MasksPhone(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, n.Notify(context.Background(), "+447700900123", "hi"))
	assert.Contains(t, buf.String(), "*********0123")
	assert.NotContains(t, buf.String(), "7700900")
	assert.Equal(t, "****", maskPhone("123"))
}
