package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/doseal/agentwallet/internal/gateway"
	"github.com/doseal/agentwallet/internal/idgen"
	"github.com/doseal/agentwallet/internal/money"
	"github.com/doseal/agentwallet/internal/pagination"
	"github.com/doseal/agentwallet/internal/syncutil"
	"github.com/doseal/agentwallet/internal/traces"
	"github.com/doseal/agentwallet/internal/wallet"
	"github.com/doseal/agentwallet/internal/walletkeys"
)

var (
	ErrInvalidDebit     = errors.New("callback: invalid debit request")
	ErrAgentNotDebited  = errors.New("callback: agent's position couldn't been debited")
	ErrReferenceInUse   = errors.New("callback: internal reference belongs to another business")
	errPositionNotMoved = errors.New("callback: agent position update failed")
)

// ReversalReason is sent with every automatic debit reversal.
const ReversalReason = "Debit worked but credit leg of transaction failed."

// IDPrefix prefixes generated transaction ids.
const IDPrefix = "txn-"

// HoldService is the wallet surface the processor drives.
type HoldService interface {
	PlaceHold(ctx context.Context, businessID, agentID string, amount decimal.Decimal,
		keys walletkeys.KeyPair, purpose string) wallet.Result
	CaptureHold(ctx context.Context, businessID, holdID string, keys walletkeys.KeyPair) wallet.Result
	ReleaseHold(ctx context.Context, businessID, holdID string, keys walletkeys.KeyPair) wallet.Result
}

// Reverser reverses a settled debit at the gateway.
type Reverser interface {
	Reverse(ctx context.Context, gatewayRef, reason string) (*gateway.Response, error)
}

// CreditDispatcher pays out a credit leg.
type CreditDispatcher interface {
	Dispatch(ctx context.Context, cr *Transaction) (*gateway.Response, error)
}

// Notifier sends a text message to a sender.
type Notifier interface {
	Notify(ctx context.Context, phone, message string) error
}

// Callback is a gateway status callback for one leg.
type Callback struct {
	Code       gateway.Code `json:"code"`
	Message    string       `json:"message"`
	Reference  string       `json:"reference"`
	GatewayRef string       `json:"zeepay_id"`
	GatewayID  string       `json:"gateway_id"`
}

// Response is returned to the gateway for every callback.
type Response struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Data       any    `json:"data,omitempty"`
}

// HTTPStatus is the HTTP status the response is sent with. A pending (411)
// gateway body is passed through with 200.
func (r Response) HTTPStatus() int {
	if r.StatusCode == gateway.CodePending.Int() || r.StatusCode == 0 {
		return http.StatusOK
	}
	return r.StatusCode
}

func respond(success bool, status int, message string) Response {
	return Response{Success: success, StatusCode: status, Message: message}
}

const (
	msgProcessed        = "Callback processed successfully"
	msgAlreadyProcessed = "Callback already processed."
	msgInvalidCallback  = "Invalid callback response"
	msgNotFound         = "Transaction not found"
)

// failureTemplates are the sender SMS texts for known debit failure messages.
// Arguments are the sender name and the support line.
var failureTemplates = map[string]string{
	"Failed at payment Gateway": "Sorry %s, your transaction failed. Call support on %s.",
	"Decline":                   "Sorry %s, your transaction was declined. Contact your bank or support: %s.",
	"Invalid field":             "Sorry %s, verify card details. Need help? Call %s.",
}

// Processor applies gateway callbacks to transaction legs and the agent
// float. Callbacks for the same remittance are serialized in-process; across
// processes the ledger's idempotency keys make redelivery safe.
type Processor struct {
	txns        TransactionStore
	holds       HoldService
	reverser    Reverser
	credit      CreditDispatcher
	notifier    Notifier
	supportLine string
	locks       *syncutil.ContextShardedMutex
	logger      *slog.Logger
	now         func() time.Time
}

// NewProcessor creates a processor. Reversal, payout and notification are
// optional and skipped with a log line when unset.
func NewProcessor(txns TransactionStore, holds HoldService, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		txns:   txns,
		holds:  holds,
		locks:  syncutil.NewContextShardedMutex(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) WithReverser(r Reverser) *Processor {
	p.reverser = r
	return p
}

func (p *Processor) WithCreditDispatcher(d CreditDispatcher) *Processor {
	p.credit = d
	return p
}

func (p *Processor) WithNotifier(n Notifier) *Processor {
	p.notifier = n
	return p
}

// WithSupportLine sets the phone number quoted in sender SMS.
func (p *Processor) WithSupportLine(line string) *Processor {
	p.supportLine = line
	return p
}

// lockKey pairs the legs of one remittance: "DR_x" and "CR_x" share "x".
func lockKey(reference string) string {
	if parts := strings.Split(reference, "_"); len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	return reference
}

// ProcessDebit handles a callback for the debit leg.
func (p *Processor) ProcessDebit(ctx context.Context, cb Callback) (resp Response) {
	ctx, span := traces.StartSpan(ctx, "callback.ProcessDebit",
		traces.CallbackLeg(string(LegDebit)), traces.Reference(cb.Reference))
	defer func() {
		span.SetAttributes(traces.StatusCode(resp.StatusCode))
		if resp.StatusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, resp.Message)
		}
		span.End()
		CallbacksTotal.WithLabelValues(string(LegDebit), outcome(resp)).Inc()
	}()

	log := p.logger.With("leg", LegDebit, "reference", cb.Reference, "code", cb.Code)
	if cb.Code == "" || cb.Reference == "" {
		log.InfoContext(ctx, "invalid callback")
		return respond(false, http.StatusBadRequest, msgInvalidCallback)
	}

	unlock, err := p.locks.LockContext(ctx, lockKey(cb.Reference))
	if err != nil {
		return respond(false, http.StatusServiceUnavailable, "callback cancelled")
	}
	defer unlock()

	dr, err := p.txns.GetByReference(ctx, cb.Reference, LegDebit)
	if errors.Is(err, ErrTransactionNotFound) {
		log.InfoContext(ctx, "transaction not found")
		return respond(false, http.StatusNotFound, msgNotFound)
	}
	if err != nil {
		log.ErrorContext(ctx, "failed to load transaction", "error", err)
		return respond(false, http.StatusInternalServerError, "error retrieving transaction")
	}
	log = log.With("transaction_id", dr.ID, "business_id", dr.BusinessID)

	switch {
	case cb.Code == gateway.CodeFailed:
		return p.debitFailed(ctx, log, dr, cb)
	case cb.Code == gateway.CodeSuccessful && dr.Leg == LegDebit && dr.Status == gateway.CodePending:
		return p.debitSucceeded(ctx, log, dr, cb)
	}
	log.InfoContext(ctx, "callback ignored", "status", dr.Status)
	return respond(true, http.StatusOK, msgProcessed)
}

func (p *Processor) debitFailed(ctx context.Context, log *slog.Logger, dr *Transaction, cb Callback) Response {
	if dr.LedgerHoldID != "" {
		res := p.holds.ReleaseHold(ctx, dr.BusinessID, dr.LedgerHoldID,
			walletkeys.ForRelease(dr.BusinessID, dr.LedgerHoldID))
		if res.Outcome == wallet.OutcomeFailed {
			log.ErrorContext(ctx, "release failed, awaiting redelivery", "hold_id", dr.LedgerHoldID, "error", res.Err)
			return respond(false, http.StatusInternalServerError, errPositionNotMoved.Error())
		}
		log.InfoContext(ctx, "released agent position", "hold_id", dr.LedgerHoldID, "outcome", res.Outcome, "error", res.Err)
	}

	if err := p.txns.Update(ctx, dr.BusinessID, dr.ID, StatusUpdate(cb.Code, cb.Message)); err != nil {
		log.ErrorContext(ctx, "failed to record callback", "error", err)
	}

	p.notifySender(ctx, log, dr, cb.Message)
	return respond(true, http.StatusOK, msgProcessed)
}

func (p *Processor) notifySender(ctx context.Context, log *slog.Logger, t *Transaction, gatewayMessage string) {
	tmpl, ok := failureTemplates[gatewayMessage]
	if !ok || p.notifier == nil || t.SenderPhone == "" {
		return
	}
	msg := fmt.Sprintf(tmpl, t.SenderName, p.supportLine)
	if err := p.notifier.Notify(ctx, t.SenderPhone, msg); err != nil {
		log.ErrorContext(ctx, "failed to notify sender", "error", err)
		return
	}
	log.InfoContext(ctx, "sender notified of failure")
}

func (p *Processor) debitSucceeded(ctx context.Context, log *slog.Logger, dr *Transaction, cb Callback) Response {
	segment, err := dr.Segment()
	if err != nil {
		log.ErrorContext(ctx, "cannot derive credit reference", "error", err)
		return respond(false, http.StatusBadRequest, "preparing transaction data for cr commit failed")
	}
	crRef := "CR_" + segment

	if _, err := p.txns.GetByReference(ctx, crRef, LegCredit); err == nil {
		log.InfoContext(ctx, "callback already processed", "credit_reference", crRef)
		return respond(true, http.StatusOK, msgAlreadyProcessed)
	} else if !errors.Is(err, ErrTransactionNotFound) {
		log.ErrorContext(ctx, "failed to look up credit leg", "credit_reference", crRef, "error", err)
	}

	cr := p.creditLeg(dr, crRef)
	if err := p.txns.Create(ctx, cr); err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			return respond(true, http.StatusOK, msgAlreadyProcessed)
		}
		log.ErrorContext(ctx, "failed to commit credit leg", "error", err)
		return respond(false, http.StatusInternalServerError, "error committing Cr transaction")
	}
	log = log.With("credit_id", cr.ID, "credit_reference", crRef)
	log.InfoContext(ctx, "credit leg created")

	created := true
	upd := StatusUpdate(cb.Code, cb.Message)
	upd.CRCreated = &created
	if err := p.txns.Update(ctx, dr.BusinessID, dr.ID, upd); err != nil {
		log.ErrorContext(ctx, "failed to mark debit cr_created", "error", err)
	}

	if p.credit == nil {
		log.WarnContext(ctx, "credit dispatch not configured")
		return respond(true, http.StatusOK, msgProcessed)
	}

	payout, err := p.credit.Dispatch(ctx, cr)
	if errors.Is(err, ErrNoPayoutDetails) {
		log.ErrorContext(ctx, "preparing payment payload failed")
		return respond(false, http.StatusBadRequest, "preparing payment_payload failed")
	}
	if err != nil {
		log.ErrorContext(ctx, "payout failed", "error", err)
		return respond(true, http.StatusOK, msgProcessed)
	}
	log.InfoContext(ctx, "payout dispatched", "payout_code", payout.Code, "gateway_ref", payout.GatewayRef)

	crUpd := StatusUpdate(payout.Code, payout.Message)
	gwRef := payout.GatewayRef
	crUpd.GatewayRef = &gwRef
	if err := p.txns.Update(ctx, cr.BusinessID, cr.ID, crUpd); err != nil {
		log.ErrorContext(ctx, "failed to record payout response", "error", err)
	}

	switch payout.Code {
	case gateway.CodeFailed:
		// The credit leg failed outright and no credit callback will follow.
		p.releaseForCredit(ctx, log, cr)
		p.reverseDebit(ctx, log, "payout", dr)
	case gateway.CodePending:
		return Response{Success: true, StatusCode: payout.Code.Int(), Message: payout.Message, Data: payout}
	}
	return respond(true, http.StatusOK, msgProcessed)
}

// creditLeg derives the credit leg from a settled debit.
func (p *Processor) creditLeg(dr *Transaction, crRef string) *Transaction {
	now := p.now()
	cr := &Transaction{
		ID:                idgen.WithPrefix(IDPrefix),
		BusinessID:        dr.BusinessID,
		TenantID:          dr.TenantID,
		AgentID:           dr.AgentID,
		InternalReference: crRef,
		CommonIdentifier:  dr.InternalReference,
		Leg:               LegCredit,
		Status:            dr.Status,
		StatusMessage:     dr.StatusMessage,
		Amount:            dr.Amount,
		LedgerHoldID:      dr.LedgerHoldID,
		Description:       dr.Description,
		Medium:            dr.Medium,
		PaymentMode:       dr.PaymentMode,
		SenderCountry:     dr.SenderCountry,
		SenderName:        dr.SenderName,
		SenderPhone:       dr.SenderPhone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if dr.Payout != nil {
		payout := *dr.Payout
		cr.Payout = &payout
	}
	return cr
}

// releaseForCredit releases the hold behind a failed credit leg and reports
// whether the funds are back with the agent.
func (p *Processor) releaseForCredit(ctx context.Context, log *slog.Logger, cr *Transaction) (bool, error) {
	if cr.LedgerHoldID == "" {
		return false, nil
	}
	res := p.holds.ReleaseHold(ctx, cr.BusinessID, cr.LedgerHoldID,
		walletkeys.ForRelease(cr.BusinessID, cr.LedgerHoldID))
	log.InfoContext(ctx, "release for failed credit", "hold_id", cr.LedgerHoldID, "outcome", res.Outcome, "error", res.Err)
	if res.Outcome == wallet.OutcomeFailed {
		return false, res.Err
	}
	return res.Succeeded(), nil
}

// reverseDebit asks the gateway to reverse dr. A successful reversal is
// recorded on the debit leg.
func (p *Processor) reverseDebit(ctx context.Context, log *slog.Logger, trigger string, dr *Transaction) {
	if p.reverser == nil {
		log.WarnContext(ctx, "reversal not configured", "debit_reference", dr.InternalReference)
		ReversalsTotal.WithLabelValues(trigger, "skipped").Inc()
		return
	}
	if dr.GatewayRef == "" {
		log.ErrorContext(ctx, "debit has no gateway reference to reverse", "debit_reference", dr.InternalReference)
		ReversalsTotal.WithLabelValues(trigger, "skipped").Inc()
		return
	}
	res, err := p.reverser.Reverse(ctx, dr.GatewayRef, ReversalReason)
	if err != nil {
		log.ErrorContext(ctx, "reversal failed", "gateway_ref", dr.GatewayRef, "error", err)
		ReversalsTotal.WithLabelValues(trigger, "error").Inc()
		return
	}
	log.InfoContext(ctx, "reversal requested", "gateway_ref", dr.GatewayRef, "reversal_code", res.Code)
	if res.Code != gateway.CodeSuccessful {
		ReversalsTotal.WithLabelValues(trigger, "rejected").Inc()
		return
	}
	ReversalsTotal.WithLabelValues(trigger, "reversed").Inc()
	reversed := true
	upd := StatusUpdate(res.Code, res.Message)
	upd.Reversed = &reversed
	if err := p.txns.Update(ctx, dr.BusinessID, dr.ID, upd); err != nil {
		log.ErrorContext(ctx, "failed to record reversal", "error", err)
	}
}

// ProcessCredit handles a callback for the credit leg.
func (p *Processor) ProcessCredit(ctx context.Context, cb Callback) (resp Response) {
	ctx, span := traces.StartSpan(ctx, "callback.ProcessCredit",
		traces.CallbackLeg(string(LegCredit)), traces.Reference(cb.Reference))
	defer func() {
		span.SetAttributes(traces.StatusCode(resp.StatusCode))
		if resp.StatusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, resp.Message)
		}
		span.End()
		CallbacksTotal.WithLabelValues(string(LegCredit), outcome(resp)).Inc()
	}()

	log := p.logger.With("leg", LegCredit, "reference", cb.Reference, "code", cb.Code)
	if cb.Code == "" || cb.Reference == "" {
		log.InfoContext(ctx, "invalid callback")
		return respond(false, http.StatusBadRequest, msgInvalidCallback)
	}

	unlock, err := p.locks.LockContext(ctx, lockKey(cb.Reference))
	if err != nil {
		return respond(false, http.StatusServiceUnavailable, "callback cancelled")
	}
	defer unlock()

	cr, err := p.txns.GetByReference(ctx, cb.Reference, LegCredit)
	if errors.Is(err, ErrTransactionNotFound) {
		log.InfoContext(ctx, "transaction not found")
		return respond(false, http.StatusNotFound, msgNotFound)
	}
	if err != nil {
		log.ErrorContext(ctx, "failed to load transaction", "error", err)
		return respond(false, http.StatusInternalServerError, "error retrieving transaction")
	}
	log = log.With("transaction_id", cr.ID, "business_id", cr.BusinessID)

	if cr.Leg != LegCredit || cr.Status != gateway.CodePending {
		log.InfoContext(ctx, "callback ignored", "status", cr.Status)
		return respond(true, http.StatusOK, msgProcessed)
	}
	switch cb.Code {
	case gateway.CodeFailed:
		return p.creditFailed(ctx, log, cr, cb)
	case gateway.CodeSuccessful:
		return p.creditSucceeded(ctx, log, cr, cb)
	}
	log.InfoContext(ctx, "callback ignored")
	return respond(true, http.StatusOK, msgProcessed)
}

func (p *Processor) creditFailed(ctx context.Context, log *slog.Logger, cr *Transaction, cb Callback) Response {
	released, err := p.releaseForCredit(ctx, log, cr)
	if err != nil {
		return respond(false, http.StatusInternalServerError, errPositionNotMoved.Error())
	}

	upd := StatusUpdate(cb.Code, cb.Message)
	if cr.IsAgentCash() {
		if released {
			upd.Reversed = &released
		}
		if err := p.txns.Update(ctx, cr.BusinessID, cr.ID, upd); err != nil {
			log.ErrorContext(ctx, "failed to record agent callback", "error", err)
		}
		return respond(true, http.StatusOK, msgProcessed)
	}
	if err := p.txns.Update(ctx, cr.BusinessID, cr.ID, upd); err != nil {
		log.ErrorContext(ctx, "failed to record callback", "error", err)
	}

	if !strings.EqualFold(cr.SenderCountry, "GB") {
		log.InfoContext(ctx, "no automatic reversal for corridor", "sender_country", cr.SenderCountry)
		return respond(true, http.StatusOK, msgProcessed)
	}
	segment, err := cr.Segment()
	if err != nil {
		log.ErrorContext(ctx, "cannot derive debit reference", "error", err)
		return respond(true, http.StatusOK, msgProcessed)
	}
	dr, err := p.txns.GetByReference(ctx, "DR_"+segment, LegDebit)
	if err != nil {
		log.ErrorContext(ctx, "failed to load debit leg for reversal", "error", err)
		return respond(true, http.StatusOK, msgProcessed)
	}
	p.reverseDebit(ctx, log, "credit_callback", dr)
	return respond(true, http.StatusOK, msgProcessed)
}

func (p *Processor) creditSucceeded(ctx context.Context, log *slog.Logger, cr *Transaction, cb Callback) Response {
	var mismatch bool
	if cr.LedgerHoldID != "" {
		res := p.holds.CaptureHold(ctx, cr.BusinessID, cr.LedgerHoldID,
			walletkeys.ForCapture(cr.BusinessID, cr.LedgerHoldID))
		if res.Outcome == wallet.OutcomeFailed {
			log.ErrorContext(ctx, "capture failed, awaiting redelivery", "hold_id", cr.LedgerHoldID, "error", res.Err)
			return respond(false, http.StatusInternalServerError, errPositionNotMoved.Error())
		}
		mismatch = res.Outcome == wallet.OutcomeRejected
		if mismatch {
			// The gateway paid out but the hold could not be captured.
			LedgerMismatchTotal.WithLabelValues("capture").Inc()
			log.ErrorContext(ctx, "capture rejected for settled credit", "hold_id", cr.LedgerHoldID, "error", res.Err)
		} else {
			log.InfoContext(ctx, "captured agent position", "hold_id", cr.LedgerHoldID, "outcome", res.Outcome)
		}
	}

	upd := StatusUpdate(cb.Code, cb.Message)
	if mismatch {
		upd.LedgerMismatch = &mismatch
	}
	if cb.GatewayRef != "" {
		upd.GatewayRef = &cb.GatewayRef
	}
	if cb.GatewayID != "" {
		upd.GatewayID = &cb.GatewayID
	}
	if err := p.txns.Update(ctx, cr.BusinessID, cr.ID, upd); err != nil {
		log.ErrorContext(ctx, "failed to record callback", "error", err)
	}
	return respond(true, http.StatusOK, msgProcessed)
}

func outcome(r Response) string {
	switch {
	case r.StatusCode == http.StatusOK && r.Message == msgAlreadyProcessed:
		return "duplicate"
	case r.Success:
		return "ok"
	case r.StatusCode == http.StatusNotFound:
		return "not_found"
	case r.StatusCode == http.StatusBadRequest:
		return "bad_request"
	default:
		return "error"
	}
}

// DebitRequest initiates the debit leg of a remittance.
type DebitRequest struct {
	InternalReference string         `json:"internalReference" binding:"required"`
	Amount            string         `json:"amount" binding:"required"`
	TenantID          string         `json:"tenantId"`
	AgentID           string         `json:"agentId"`
	Description       string         `json:"description"`
	Medium            string         `json:"medium"`
	PaymentMode       string         `json:"paymentMode"`
	SenderCountry     string         `json:"senderCountry"`
	SenderName        string         `json:"senderName"`
	SenderPhone       string         `json:"senderPhone"`
	GatewayRef        string         `json:"gatewayRef"`
	Payout            *PayoutDetails `json:"payout"`
}

// InitiateDebit stores the debit leg of a remittance. When an agent fronts
// the money a hold is placed on the agent's float first; if the hold is
// refused nothing is stored. An existing debit with the same reference is
// returned unchanged with created false.
func (p *Processor) InitiateDebit(ctx context.Context, businessID string, req DebitRequest) (*Transaction, bool, error) {
	ctx, span := traces.StartSpan(ctx, "callback.InitiateDebit",
		traces.BusinessID(businessID), traces.Reference(req.InternalReference))
	defer span.End()

	amount, ok := money.Parse(req.Amount)
	if !ok || !money.Positive(amount) {
		return nil, false, fmt.Errorf("%w: amount must be a positive decimal", ErrInvalidDebit)
	}
	if businessID == "" || req.InternalReference == "" {
		return nil, false, fmt.Errorf("%w: business and internal reference are required", ErrInvalidDebit)
	}
	draft := Transaction{InternalReference: req.InternalReference}
	if _, err := draft.Segment(); err != nil {
		return nil, false, err
	}

	unlock, err := p.locks.LockContext(ctx, lockKey(req.InternalReference))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	if existing, err := p.existingDebit(ctx, businessID, req.InternalReference); existing != nil || err != nil {
		return existing, false, err
	}

	var holdID string
	if req.AgentID != "" {
		keys := walletkeys.ForHold(businessID, req.AgentID, req.InternalReference, money.Format(amount))
		res := p.holds.PlaceHold(ctx, businessID, req.AgentID, amount, keys, req.Description)
		if !res.Succeeded() {
			p.logger.InfoContext(ctx, "agent's position couldn't been debited",
				"business_id", businessID, "agent_id", req.AgentID,
				"reference", req.InternalReference, "outcome", res.Outcome, "error", res.Err)
			return nil, false, fmt.Errorf("%w: %w", ErrAgentNotDebited, res.Err)
		}
		holdID = res.ID
	}

	now := p.now()
	dr := &Transaction{
		ID:                idgen.WithPrefix(IDPrefix),
		BusinessID:        businessID,
		TenantID:          req.TenantID,
		AgentID:           req.AgentID,
		InternalReference: req.InternalReference,
		Leg:               LegDebit,
		Status:            gateway.CodePending,
		StatusMessage:     "Transaction sent for processing",
		Amount:            amount,
		LedgerHoldID:      holdID,
		Description:       req.Description,
		Medium:            req.Medium,
		PaymentMode:       req.PaymentMode,
		SenderCountry:     strings.ToUpper(req.SenderCountry),
		SenderName:        req.SenderName,
		SenderPhone:       req.SenderPhone,
		GatewayRef:        req.GatewayRef,
		Payout:            req.Payout,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := p.txns.Create(ctx, dr); err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			existing, err := p.existingDebit(ctx, businessID, req.InternalReference)
			return existing, false, err
		}
		return nil, false, fmt.Errorf("store debit: %w", err)
	}
	p.logger.InfoContext(ctx, "debit initiated",
		"business_id", businessID, "reference", dr.InternalReference,
		"transaction_id", dr.ID, "hold_id", holdID, "amount", money.Format(amount))
	return dr, true, nil
}

func (p *Processor) existingDebit(ctx context.Context, businessID, reference string) (*Transaction, error) {
	existing, err := p.txns.GetByReference(ctx, reference, LegDebit)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.BusinessID != businessID {
		return nil, ErrReferenceInUse
	}
	return existing, nil
}

// Transaction returns one leg of a business's remittance.
func (p *Processor) Transaction(ctx context.Context, businessID, reference string, leg Leg) (*Transaction, error) {
	t, err := p.txns.GetByReference(ctx, reference, leg)
	if err != nil {
		return nil, err
	}
	if t.BusinessID != businessID {
		return nil, ErrTransactionNotFound
	}
	return t, nil
}

// Transactions lists one page of a business's transaction legs, newest
// first. next is empty on the last page.
func (p *Processor) Transactions(ctx context.Context, businessID string, limit int, cursor string) (page []*Transaction, next string, err error) {
	switch {
	case limit <= 0:
		limit = 50
	case limit > 200:
		limit = 200
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	rows, err := p.txns.ListByBusiness(ctx, businessID, limit+1, after)
	if err != nil {
		return nil, "", err
	}
	page, next = pagination.Page(rows, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}
