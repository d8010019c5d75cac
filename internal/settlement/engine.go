// Package settlement executes synthetic-asset trades against the ledger: quote, slippage check, balance
// check, fee, one balanced journal, receipt. Every trade is exactly-once per (user, request id).
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pbcex/settlement/internal/account"
	"github.com/pbcex/settlement/internal/asset"
	"github.com/pbcex/settlement/internal/events"
	"github.com/pbcex/settlement/internal/idempotency"
	"github.com/pbcex/settlement/internal/ledger"
	"github.com/pbcex/settlement/internal/oracle"
)

const (
	tradeRoute         = "trade"
	defaultQuoteTTL    = 5 * time.Second
	publishTimeout     = 2 * time.Second
	usdFallbackDecimal = 2
)

// Side is the trade direction relative to the synthetic asset.
type Side string

const (
	// Buy mints the synthetic against the real asset.
	Buy Side = "BUY"
	// Sell burns the synthetic back into the real asset.
	Sell Side = "SELL"
)

// ParseSide accepts BUY or SELL in any case.
func ParseSide(v string) (Side, error) {
	switch s := Side(strings.ToUpper(strings.TrimSpace(v))); s {
	case Buy, Sell:
		return s, nil
	default:
		return "", fmt.Errorf("%w: side %q", ErrInvalidTrade, v)
	}
}

// TradeRequest is one client trade instruction.
type TradeRequest struct {
	UserID      string
	Side        Side
	Symbol      string
	Quantity    decimal.Decimal
	MaxSlippage decimal.Decimal
	RequestID   string
}

// Result carries the receipt and whether it was served from a previous execution.
type Result struct {
	Receipt  Receipt
	Replayed bool
	State    State
}

// AccountResolver maps users to ledger accounts.
type AccountResolver interface {
	Resolve(ctx context.Context, userID string, typ account.Type) (string, error)
	HouseAccount() string
}

// Recorder observes trade outcomes. Implemented by the metrics package.
type Recorder interface {
	TradeFinished(side, outcome string, elapsed time.Duration)
}

// Trade outcomes reported to the Recorder.
const (
	OutcomeSettled  = "settled"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type nopRecorder struct{}

func (nopRecorder) TradeFinished(string, string, time.Duration) {}

// Config holds engine tunables.
type Config struct {
	// QuoteTTL bounds the time between the sizing quote and the final price check.
	QuoteTTL time.Duration
	Fees     FeeTable
}

// Engine orchestrates trade settlement.
type Engine struct {
	ledger    *ledger.Service
	accounts  AccountResolver
	assets    *asset.Registry
	peg       asset.RateLookup
	prices    oracle.Oracle
	guard     *idempotency.Guard
	cfg       Config
	publisher events.Publisher
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithPublisher sets where TradeSettled events go.
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithRecorder sets the outcome recorder.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithPeg overrides the synthetic/real conversion rates.
func WithPeg(p asset.RateLookup) Option { return func(e *Engine) { e.peg = p } }

// WithClock overrides the clock used for quote expiry.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine wires a settlement engine.
func NewEngine(
	ledgerSvc *ledger.Service,
	accounts AccountResolver,
	assets *asset.Registry,
	prices oracle.Oracle,
	guard *idempotency.Guard,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = defaultQuoteTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		ledger:    ledgerSvc,
		accounts:  accounts,
		assets:    assets,
		peg:       asset.NewPegTable(),
		prices:    prices,
		guard:     guard,
		cfg:       cfg,
		publisher: events.Discard{},
		recorder:  nopRecorder{},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// trade tracks one execution through the state machine.
type trade struct {
	req    TradeRequest
	state  State
	logger *slog.Logger
}

func (t *trade) advance(to State) {
	if err := checkTransition(t.state, to); err != nil {
		t.logger.Error("trade state machine violated", slog.Any("error", err))
	}
	t.logger.Debug("trade state", slog.String("from", string(t.state)), slog.String("to", string(to)))
	t.state = to
}

// plan is a priced, sized trade ready to be posted.
type plan struct {
	synthetic asset.Asset
	base      asset.Asset
	funding   string
	trading   string
	house     string
	rate      decimal.Decimal
	quote     oracle.Ticker
	quotedAt  time.Time
	principal decimal.Decimal
	fee       decimal.Decimal
	feeUSD    decimal.Decimal
}

// ExecuteTrade settles one trade. Retrying with the same request id and body returns the original receipt
// with Replayed set; the same id with a different body fails with ErrKeyReuse.
func (e *Engine) ExecuteTrade(ctx context.Context, req TradeRequest) (Result, error) {
	start := e.now()
	logger := e.logger.With(
		slog.String("user_id", req.UserID),
		slog.String("request_id", req.RequestID),
		slog.String("side", string(req.Side)),
		slog.String("symbol", req.Symbol))
	t := &trade{req: req, state: StateReceived, logger: logger}

	res, err := e.execute(ctx, t)
	res.State = t.state

	outcome := OutcomeSettled
	switch {
	case err != nil && t.state == StateRejected:
		outcome = OutcomeRejected
	case err != nil:
		outcome = OutcomeFailed
	case res.Replayed:
		outcome = OutcomeReplayed
	}
	e.recorder.TradeFinished(string(req.Side), outcome, e.now().Sub(start))
	return res, err
}

func (e *Engine) execute(ctx context.Context, t *trade) (Result, error) {
	req := t.req
	synthetic, base, err := e.validate(req)
	if err != nil {
		return Result{}, err
	}
	hash, err := requestHash(req)
	if err != nil {
		return Result{}, err
	}

	reservation, err := e.guard.Begin(ctx, req.UserID, tradeRoute, req.RequestID, hash)
	if err != nil {
		return Result{}, err
	}
	t.advance(StateIdempotencyChecked)
	if reservation.Replay {
		receipt, err := decodeCachedReceipt(reservation.Response)
		if err != nil {
			return Result{}, err
		}
		t.advance(StateReceiptIssued)
		t.logger.Info("trade replayed from idempotency cache", slog.String("journal_id", receipt.JournalID))
		return Result{Receipt: receipt, Replayed: true}, nil
	}

	settled := false
	defer func() {
		if !settled {
			e.guard.Abort(context.WithoutCancel(ctx), reservation)
		}
	}()

	reference := tradeReference(req.UserID, req.RequestID)
	existing, err := e.ledger.JournalByReference(ctx, reference)
	switch {
	case err == nil:
		// The journal committed but its idempotency record is gone (expired or never written).
		receipt, err := replayJournal(existing, hash)
		if err != nil {
			return Result{}, err
		}
		settled = true
		e.complete(ctx, t, reservation, receipt)
		t.advance(StateReceiptIssued)
		return Result{Receipt: receipt, Replayed: true}, nil
	case !errors.Is(err, ledger.ErrJournalNotFound):
		return Result{}, err
	}

	p, err := e.price(ctx, req, synthetic, base)
	if err != nil {
		return Result{}, err
	}
	t.advance(StatePriced)

	if err := e.checkBalances(ctx, req, p); err != nil {
		return Result{}, e.reject(t, err)
	}
	t.advance(StateValidated)

	if err := e.recheckPrice(ctx, req, p); err != nil {
		return Result{}, e.reject(t, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	journalReq, err := e.journalRequest(req, p, reference, hash)
	if err != nil {
		return Result{}, err
	}

	// Past this point the trade is not cancellable: commit and receipt run to completion.
	commitCtx := context.WithoutCancel(ctx)
	journal, err := e.ledger.PostJournal(commitCtx, journalReq)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			receipt, rerr := replayJournal(journal, hash)
			if rerr != nil {
				return Result{}, rerr
			}
			settled = true
			e.complete(commitCtx, t, reservation, receipt)
			t.advance(StateReceiptIssued)
			return Result{Receipt: receipt, Replayed: true}, nil
		}
		return Result{}, e.reject(t, err)
	}
	t.advance(StatePosted)

	receipt, err := receiptFromJournal(journal)
	if err != nil {
		return Result{}, err
	}
	settled = true
	e.complete(commitCtx, t, reservation, receipt)
	t.advance(StateReceiptIssued)
	t.logger.Info("trade settled",
		slog.String("journal_id", receipt.JournalID),
		slog.String("quantity", receipt.Quantity.String()),
		slog.String("price", receipt.Price.String()),
		slog.String("fee", receipt.Fee.String()))

	e.publish(commitCtx, receipt)
	return Result{Receipt: receipt}, nil
}

func (e *Engine) validate(req TradeRequest) (asset.Asset, asset.Asset, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return asset.Asset{}, asset.Asset{}, fmt.Errorf("%w: user id is required", ErrInvalidTrade)
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return asset.Asset{}, asset.Asset{}, fmt.Errorf("%w: request id is required", ErrInvalidTrade)
	}
	if req.Side != Buy && req.Side != Sell {
		return asset.Asset{}, asset.Asset{}, fmt.Errorf("%w: side %q", ErrInvalidTrade, req.Side)
	}
	if req.MaxSlippage.IsNegative() || req.MaxSlippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return asset.Asset{}, asset.Asset{}, fmt.Errorf("%w: max slippage %s must be in [0, 1)", ErrInvalidTrade, req.MaxSlippage)
	}

	synthetic, err := e.assets.Lookup(req.Symbol)
	if err != nil {
		return asset.Asset{}, asset.Asset{}, fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}
	if synthetic.Kind != asset.KindSynthetic {
		return asset.Asset{}, asset.Asset{}, fmt.Errorf("%w: %s is not a tradable synthetic", ErrInvalidTrade, req.Symbol)
	}
	if !req.Quantity.IsPositive() {
		return asset.Asset{}, asset.Asset{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidTrade)
	}
	if err := synthetic.Validate(req.Quantity); err != nil {
		return asset.Asset{}, asset.Asset{}, fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}
	base, err := e.assets.Underlying(synthetic.Symbol)
	if err != nil {
		return asset.Asset{}, asset.Asset{}, fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}
	return synthetic, base, nil
}

// price resolves accounts, quotes the underlying and sizes principal and fee in the real asset.
// The fee is computed from the unrounded principal; each leg is then rounded once, half-up.
func (e *Engine) price(ctx context.Context, req TradeRequest, synthetic, base asset.Asset) (plan, error) {
	funding, err := e.accounts.Resolve(ctx, req.UserID, account.TypeFor(base.Kind))
	if err != nil {
		return plan{}, err
	}
	trading, err := e.accounts.Resolve(ctx, req.UserID, account.TypeFor(synthetic.Kind))
	if err != nil {
		return plan{}, err
	}
	rate, err := e.peg.Rate(ctx, synthetic.Symbol, base.Symbol)
	if err != nil {
		return plan{}, fmt.Errorf("peg rate %s/%s: %w", synthetic.Symbol, base.Symbol, err)
	}

	quote, err := e.quote(ctx, base)
	if err != nil {
		return plan{}, err
	}

	principalRaw := req.Quantity.Mul(rate)
	principal := base.Round(principalRaw)
	fee := base.Round(e.cfg.Fees.For(base.Symbol).Compute(principalRaw))
	if !principal.IsPositive() {
		return plan{}, fmt.Errorf("%w: quantity %s rounds to zero %s", ErrInvalidTrade, req.Quantity, base.Symbol)
	}

	return plan{
		synthetic: synthetic,
		base:      base,
		funding:   funding,
		trading:   trading,
		house:     e.accounts.HouseAccount(),
		rate:      rate,
		quote:     quote,
		quotedAt:  e.now(),
		principal: principal,
		fee:       fee,
		feeUSD:    fee.Mul(quote.Price).Round(e.usdPrecision()),
	}, nil
}

func (e *Engine) quote(ctx context.Context, base asset.Asset) (oracle.Ticker, error) {
	symbol := base.OracleSymbol
	if symbol == "" {
		symbol = base.Symbol
	}
	t, err := e.prices.Ticker(ctx, symbol)
	if err != nil {
		if errors.Is(err, oracle.ErrPriceUnavailable) {
			return oracle.Ticker{}, err
		}
		return oracle.Ticker{}, fmt.Errorf("%w: %s: %v", oracle.ErrPriceUnavailable, symbol, err)
	}
	if !t.Price.IsPositive() {
		return oracle.Ticker{}, fmt.Errorf("%w: %s: non-positive price", oracle.ErrPriceUnavailable, symbol)
	}
	return t, nil
}

func (e *Engine) usdPrecision() int32 {
	if usd, err := e.assets.Lookup(asset.USD); err == nil {
		return usd.Precision
	}
	return usdFallbackDecimal
}

// checkBalances fails fast before any journal attempt. The ledger guards repeat the check under lock.
func (e *Engine) checkBalances(ctx context.Context, req TradeRequest, p plan) error {
	funding, err := e.ledger.Balance(ctx, p.funding, p.base.Symbol)
	if err != nil {
		return err
	}
	switch req.Side {
	case Buy:
		need := p.principal.Add(p.fee)
		if funding.Available().LessThan(need) {
			return fmt.Errorf("%w: %s available %s, need %s", ErrInsufficientBalance, p.base.Symbol, funding.Available(), need)
		}
	case Sell:
		trading, err := e.ledger.Balance(ctx, p.trading, p.synthetic.Symbol)
		if err != nil {
			return err
		}
		if trading.Available().LessThan(req.Quantity) {
			return fmt.Errorf("%w: %s available %s, need %s", ErrInsufficientBalance, p.synthetic.Symbol, trading.Available(), req.Quantity)
		}
		if funding.Available().Add(p.principal).LessThan(p.fee) {
			return fmt.Errorf("%w: %s proceeds do not cover the fee", ErrInsufficientBalance, p.base.Symbol)
		}
	}
	return nil
}

// recheckPrice runs as late as possible before posting: the quote must be younger than QuoteTTL and the
// live price within MaxSlippage of it.
func (e *Engine) recheckPrice(ctx context.Context, req TradeRequest, p plan) error {
	if elapsed := e.now().Sub(p.quotedAt); elapsed > e.cfg.QuoteTTL {
		return fmt.Errorf("%w: %s since quote, limit %s", ErrQuoteExpired, elapsed.Round(time.Millisecond), e.cfg.QuoteTTL)
	}
	live, err := e.quote(ctx, p.base)
	if err != nil {
		return err
	}
	deviation := live.Price.Sub(p.quote.Price).Abs().Div(p.quote.Price)
	if deviation.GreaterThan(req.MaxSlippage) {
		return fmt.Errorf("%w: price moved %s -> %s (%s > %s)", ErrSlippageExceeded,
			p.quote.Price, live.Price, deviation.StringFixed(6), req.MaxSlippage)
	}
	return nil
}

func (e *Engine) journalRequest(req TradeRequest, p plan, reference, hash string) (ledger.JournalRequest, error) {
	reserve := account.ReserveAccount(p.base.Symbol)
	issuance := account.IssuanceAccount(p.synthetic.Symbol)

	var entries []ledger.Posting
	var guards []ledger.Guard
	switch req.Side {
	case Buy:
		entries = []ledger.Posting{
			{AccountID: p.funding, Asset: p.base.Symbol, Direction: ledger.Debit, Amount: p.principal},
			{AccountID: reserve, Asset: p.base.Symbol, Direction: ledger.Credit, Amount: p.principal},
			{AccountID: issuance, Asset: p.synthetic.Symbol, Direction: ledger.Debit, Amount: req.Quantity},
			{AccountID: p.trading, Asset: p.synthetic.Symbol, Direction: ledger.Credit, Amount: req.Quantity},
		}
		guards = []ledger.Guard{{AccountID: p.funding, Asset: p.base.Symbol}}
	case Sell:
		entries = []ledger.Posting{
			{AccountID: p.trading, Asset: p.synthetic.Symbol, Direction: ledger.Debit, Amount: req.Quantity},
			{AccountID: issuance, Asset: p.synthetic.Symbol, Direction: ledger.Credit, Amount: req.Quantity},
			{AccountID: reserve, Asset: p.base.Symbol, Direction: ledger.Debit, Amount: p.principal},
			{AccountID: p.funding, Asset: p.base.Symbol, Direction: ledger.Credit, Amount: p.principal},
		}
		guards = []ledger.Guard{
			{AccountID: p.trading, Asset: p.synthetic.Symbol},
			{AccountID: p.funding, Asset: p.base.Symbol},
			{AccountID: reserve, Asset: p.base.Symbol},
		}
	}
	if p.fee.IsPositive() {
		entries = append(entries,
			ledger.Posting{AccountID: p.funding, Asset: p.base.Symbol, Direction: ledger.Debit, Amount: p.fee},
			ledger.Posting{AccountID: p.house, Asset: p.base.Symbol, Direction: ledger.Credit, Amount: p.fee},
		)
	}

	receipt, err := encodeReceipt(Receipt{
		SchemaVersion:  ReceiptSchemaVersion,
		RequestID:      req.RequestID,
		UserID:         req.UserID,
		Side:           req.Side,
		Symbol:         p.synthetic.Symbol,
		Quantity:       req.Quantity,
		Price:          p.quote.Price.Mul(p.rate),
		PriceSource:    p.quote.Source,
		Principal:      p.principal,
		PrincipalAsset: p.base.Symbol,
		Fee:            p.fee,
		FeeAsset:       p.base.Symbol,
		FeeUSD:         p.feeUSD,
	})
	if err != nil {
		return ledger.JournalRequest{}, err
	}

	return ledger.JournalRequest{
		Reference:   reference,
		Description: fmt.Sprintf("%s %s %s", req.Side, req.Quantity, p.synthetic.Symbol),
		UserID:      req.UserID,
		Metadata: map[string]string{
			metaReceipt:     receipt,
			metaRequestHash: hash,
			metaRequestID:   req.RequestID,
			metaSide:        string(req.Side),
		},
		Entries: entries,
		Guards:  guards,
	}, nil
}

func (e *Engine) reject(t *trade, err error) error {
	t.advance(StateRejected)
	t.logger.Warn("trade rejected", slog.Any("error", err))
	return err
}

func (e *Engine) complete(ctx context.Context, t *trade, r idempotency.Reservation, receipt Receipt) {
	if err := e.guard.Complete(ctx, r, receipt); err != nil {
		// The journal reference still deduplicates retries.
		t.logger.Error("failed to persist trade receipt", slog.Any("error", err))
	}
}

func (e *Engine) publish(ctx context.Context, r Receipt) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := e.publisher.Publish(ctx, events.Event{
		Kind:       events.KindTradeSettled,
		Key:        r.UserID,
		OccurredAt: r.ExecutedAt,
		Payload: map[string]any{
			"journal_id": r.JournalID,
			"request_id": r.RequestID,
			"user_id":    r.UserID,
			"side":       string(r.Side),
			"symbol":     r.Symbol,
			"quantity":   r.Quantity.String(),
			"price":      r.Price.String(),
			"fee":        r.Fee.String(),
			"fee_asset":  r.FeeAsset,
		},
	})
	if err != nil {
		e.logger.Warn("trade event not published", slog.String("journal_id", r.JournalID), slog.Any("error", err))
	}
}

func tradeReference(userID, requestID string) string {
	return "trade:" + userID + ":" + requestID
}

// requestHash fingerprints the economic content of a request. Decimals are normalised so "1.0" and "1"
// hash alike.
func requestHash(req TradeRequest) (string, error) {
	return idempotency.HashJSON(struct {
		Side        Side   `json:"side"`
		Symbol      string `json:"symbol"`
		Quantity    string `json:"quantity"`
		MaxSlippage string `json:"max_slippage"`
	}{req.Side, req.Symbol, req.Quantity.String(), req.MaxSlippage.String()})
}

func replayJournal(j ledger.Journal, hash string) (Receipt, error) {
	if j.Metadata[metaRequestHash] != hash {
		return Receipt{}, fmt.Errorf("%w: %s", ErrKeyReuse, j.Metadata[metaRequestID])
	}
	return receiptFromJournal(j)
}
