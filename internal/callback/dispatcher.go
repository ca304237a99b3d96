package callback

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/doseal/agentwallet/internal/gateway"
)

// ErrNoPayoutDetails is returned when a credit leg carries nothing to pay out.
var ErrNoPayoutDetails = errors.New("callback: credit leg has no payout details")

// PayoutClient is the gateway surface the dispatcher needs.
type PayoutClient interface {
	Payout(ctx context.Context, req gateway.PayoutRequest) (*gateway.Response, error)
}

// GatewayDispatcher pays credit legs out through the payment gateway.
type GatewayDispatcher struct {
	client PayoutClient
}

// NewGatewayDispatcher creates a dispatcher over client.
func NewGatewayDispatcher(client PayoutClient) *GatewayDispatcher {
	return &GatewayDispatcher{client: client}
}

// Dispatch sends the payout for cr.
func (d *GatewayDispatcher) Dispatch(ctx context.Context, cr *Transaction) (*gateway.Response, error) {
	req, err := PayoutRequestFor(cr)
	if err != nil {
		return nil, err
	}
	return d.client.Payout(ctx, req)
}

// PayoutRequestFor builds the gateway payout for a credit leg. The extr_id is
// the credit leg's own reference so the gateway's credit callback resolves
// back to it.
func PayoutRequestFor(cr *Transaction) (gateway.PayoutRequest, error) {
	p := cr.Payout
	if p == nil {
		return gateway.PayoutRequest{}, ErrNoPayoutDetails
	}
	senderFirst, senderLast := splitName(cr.SenderName)
	return gateway.PayoutRequest{
		Amount:            p.ReceiveAmount,
		SendAmount:        p.SendAmount,
		SenderCountry:     cr.SenderCountry,
		SendingCurrency:   p.SendCurrency,
		SenderFirstName:   senderFirst,
		SenderLastName:    senderLast,
		ReceiverFirstName: p.ReceiverFirstName,
		ReceiverLastName:  p.ReceiverLastName,
		ServiceType:       strings.ToLower(p.ServiceType),
		ReceiverMSISDN:    p.ReceiverMSISDN,
		AccountNumber:     p.AccountNumber,
		RoutingNumber:     p.RoutingNumber,
		ReceiverCountry:   p.ReceiverCountry,
		ReceiverCurrency:  p.ReceiverCurrency,
		TransactionType:   string(LegCredit),
		MNO:               p.MNO,
		ExtrID:            cr.InternalReference,
		ClientReference:   cr.CommonIdentifier,
	}, nil
}

// splitName splits a full name into first name and the rest.
func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// SMSClient is the gateway surface the notifier needs.
type SMSClient interface {
	SendSMS(ctx context.Context, phone, message string) error
}

// GatewayNotifier sends sender notifications through the gateway SMS
// endpoint.
type GatewayNotifier struct {
	client SMSClient
}

// NewGatewayNotifier creates a notifier over client.
func NewGatewayNotifier(client SMSClient) *GatewayNotifier {
	return &GatewayNotifier{client: client}
}

func (n *GatewayNotifier) Notify(ctx context.Context, phone, message string) error {
	return n.client.SendSMS(ctx, phone, message)
}

// LogNotifier writes notifications to the log. Used when no gateway is
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, phone, message string) error {
	n.logger.InfoContext(ctx, "sender notification", "phone", maskPhone(phone), "message", message)
	return nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
