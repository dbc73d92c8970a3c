package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ratematch/core/events"
	"ratematch/gateway/middleware"
	nativecommon "ratematch/native/common"
	"ratematch/native/matching"
	"ratematch/native/matching/simpool"
	"ratematch/observability"
	"ratematch/services/matchingd/journal"
)

const (
	maxBodyBytes  = 1 << 20
	rateLimitKey  = "matching"
	maxAmountWord = "max"
)

var errBadRequest = errors.New("bad request")

// Options configure the HTTP surface.
type Options struct {
	Auth           *middleware.Authenticator
	AdminScope     string
	RateLimit      middleware.RateLimit
	Quota          nativecommon.Quota
	CORS           middleware.CORSConfig
	OriginPatterns []string
	LogRequests    bool
}

// Server exposes the matching engine over HTTP. The engine is not safe for
// concurrent use; every engine call runs under mu.
type Server struct {
	mu      sync.Mutex
	engine  *matching.Engine
	journal *journal.Journal
	hub     *Hub
	pauses  *nativecommon.Pauses
	quota   *nativecommon.QuotaTracker
	opts    Options
	logger  *slog.Logger
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	clock   func() time.Time

	// sequence numbers events when no journal is configured.
	sequence atomic.Uint64
}

// New wires the server around engine. The server installs itself as a pause
// source of the engine; callers route engine events through Emit.
func New(engine *matching.Engine, j *journal.Journal, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AdminScope == "" {
		opts.AdminScope = "matching:admin"
	}
	if opts.Auth == nil {
		opts.Auth = middleware.NewAuthenticator(middleware.AuthConfig{}, logger)
	}
	limits := map[string]middleware.RateLimit{}
	if opts.RateLimit.RatePerSecond > 0 {
		limits[rateLimitKey] = opts.RateLimit
	}
	s := &Server{
		engine:  engine,
		journal: j,
		hub:     NewHub(0),
		pauses:  nativecommon.NewPauses(),
		quota:   nativecommon.NewQuotaTracker(opts.Quota),
		opts:    opts,
		logger:  logger,
		limiter: middleware.NewRateLimiter(limits, logger),
		obs:     middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "matchingd", LogRequests: opts.LogRequests}, logger),
		clock:   time.Now,
	}
	engine.SetPauses(s.pauses)
	return s
}

// Hub returns the live event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Emit implements events.Emitter. Events are journaled first so subscribers
// see the sequence number the listing reports. An event the journal rejects
// is still published, with sequence zero.
func (s *Server) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	rendered := events.Render(evt)
	stream := StreamEvent{Type: rendered.Type, Attributes: rendered.Attributes}
	if s.journal != nil {
		record, err := s.journal.Append(evt)
		if err != nil {
			s.logger.Warn("journal append failed", "type", rendered.Type, "error", err)
			observability.Events().RecordJournalDrop(rendered.Type)
		} else {
			stream.Sequence = record.Sequence
		}
	} else {
		stream.Sequence = s.sequence.Add(1)
	}
	s.hub.Publish(stream)
}

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.opts.CORS))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.limiter.Middleware(rateLimitKey))

		r.With(s.obs.Middleware("markets.list")).Get("/markets", s.handleListMarkets)
		r.With(s.obs.Middleware("markets.get")).Get("/markets/{asset}", s.handleGetMarket)
		r.With(s.obs.Middleware("markets.bucket")).Get("/markets/{asset}/buckets/{bucket}", s.handleBucket)

		r.Group(func(r chi.Router) {
			r.Use(s.opts.Auth.Middleware())
			r.With(s.obs.Middleware("accounts.get")).Get("/accounts/{user}", s.handleAccount)
			r.With(s.obs.Middleware("events.list")).Get("/events", s.handleListEvents)
			r.With(s.obs.Middleware("events.stream")).Get("/events/ws", s.handleEventStream)

			r.Group(func(r chi.Router) {
				if s.journal != nil {
					r.Use(middleware.WithIdempotency(s.journal, s.logger))
				}
				for _, op := range []string{simpool.OpSupply, simpool.OpBorrow, simpool.OpWithdraw, simpool.OpRepay} {
					r.With(s.obs.Middleware("markets."+op)).Post("/markets/{asset}/"+op, s.handleOperation(op))
				}
				r.With(s.obs.Middleware("liquidations.create")).Post("/liquidations", s.handleLiquidate)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.opts.Auth.Middleware(s.opts.AdminScope))
			r.With(s.obs.Middleware("admin.markets.create")).Post("/markets", s.handleCreateMarket)
			r.With(s.obs.Middleware("admin.markets.update")).Put("/markets/{asset}", s.handleUpdateMarket)
			r.With(s.obs.Middleware("admin.pause")).Post("/pause", s.handlePause)
		})
	})
	return otelhttp.NewHandler(r, "matchingd")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "paused": s.pauses.Paused()})
}

func (s *Server) handleListMarkets(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	markets := s.engine.Markets()
	views := make([]marketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, s.marketViewLocked(m))
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) marketViewLocked(m *matching.Market) marketView {
	view := newMarketView(m)
	view.Buckets = make(map[string]int, len(matching.Buckets))
	for _, b := range matching.Buckets {
		view.Buckets[b.String()] = s.engine.BucketLen(m.Asset, b)
	}
	return view
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	asset, ok := parseAddress(chi.URLParam(r, "asset"))
	if !ok {
		s.fail(w, fmt.Errorf("%w: invalid asset", errBadRequest))
		return
	}
	s.mu.Lock()
	m, err := s.engine.Market(asset)
	var view marketView
	if err == nil {
		view = s.marketViewLocked(m)
	}
	s.mu.Unlock()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request) {
	asset, ok := parseAddress(chi.URLParam(r, "asset"))
	if !ok {
		s.fail(w, fmt.Errorf("%w: invalid asset", errBadRequest))
		return
	}
	bucket, err := matching.ParseBucket(chi.URLParam(r, "bucket"))
	if err != nil {
		s.fail(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	limit, ok := parseUint(r.URL.Query().Get("limit"))
	if !ok {
		s.fail(w, fmt.Errorf("%w: invalid limit", errBadRequest))
		return
	}
	s.mu.Lock()
	entries, err := s.engine.BucketEntries(asset, bucket, int(limit))
	length := s.engine.BucketLen(asset, bucket)
	s.mu.Unlock()
	if err != nil {
		s.fail(w, err)
		return
	}
	view := bucketView{Market: asset.Hex(), Bucket: bucket.String(), Len: length, Entries: make([]entryView, 0, len(entries))}
	for _, entry := range entries {
		view.Entries = append(view.Entries, entryView{User: entry.User.Hex(), Value: amountString(entry.Value)})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := parseAddress(chi.URLParam(r, "user"))
	if !ok {
		s.fail(w, fmt.Errorf("%w: invalid user", errBadRequest))
		return
	}
	view, err := s.account(user)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) account(user common.Address) (accountView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := accountView{User: user.Hex(), Markets: []accountMarketView{}}
	for _, market := range s.engine.Memberships(user) {
		supply, err := s.engine.SupplyBalance(market, user)
		if err != nil {
			return accountView{}, err
		}
		borrow, err := s.engine.BorrowBalance(market, user)
		if err != nil {
			return accountView{}, err
		}
		supplyValue, err := s.engine.SupplyValue(market, user)
		if err != nil {
			return accountView{}, err
		}
		borrowValue, err := s.engine.BorrowValue(market, user)
		if err != nil {
			return accountView{}, err
		}
		view.Markets = append(view.Markets, accountMarketView{
			Market: market.Hex(),
			Supply: newBalanceView(supply, supplyValue),
			Borrow: newBalanceView(borrow, borrowValue),
		})
	}
	liquidity, err := s.engine.Liquidity(user)
	if err != nil {
		return accountView{}, err
	}
	view.Liquidity = newLiquidityView(liquidity)
	return view, nil
}

func (s *Server) handleOperation(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		asset, ok := parseAddress(chi.URLParam(r, "asset"))
		if !ok {
			s.fail(w, fmt.Errorf("%w: invalid asset", errBadRequest))
			return
		}
		var req operationRequest
		if err := decodeBody(r, &req); err != nil {
			s.fail(w, err)
			return
		}
		user, err := s.caller(r.Context(), req.User)
		if err != nil {
			s.fail(w, err)
			return
		}
		allowMax := op == simpool.OpWithdraw || op == simpool.OpRepay
		amount, err := parseAmount(req.Amount, allowMax)
		if err != nil {
			s.fail(w, err)
			return
		}
		budget := s.engine.Config().DefaultBudget
		if req.Budget != nil {
			budget = *req.Budget
		}
		if err := s.charge(user, budget); err != nil {
			s.fail(w, err)
			return
		}

		var receipt *matching.Receipt
		s.mu.Lock()
		switch op {
		case simpool.OpSupply:
			receipt, err = s.engine.Supply(r.Context(), asset, user, amount, budget)
		case simpool.OpBorrow:
			receipt, err = s.engine.Borrow(r.Context(), asset, user, amount, budget)
		case simpool.OpWithdraw:
			receipt, err = s.engine.Withdraw(r.Context(), asset, user, amount, budget)
		case simpool.OpRepay:
			receipt, err = s.engine.Repay(r.Context(), asset, user, amount, budget)
		}
		s.mu.Unlock()
		if err != nil {
			s.refund(user, budget)
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newReceiptView(receipt))
	}
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidationRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	borrowedMarket, ok := parseAddress(req.BorrowedMarket)
	if !ok {
		s.fail(w, fmt.Errorf("%w: invalid borrowed_market", errBadRequest))
		return
	}
	collateralMarket, ok := parseAddress(req.CollateralMarket)
	if !ok {
		s.fail(w, fmt.Errorf("%w: invalid collateral_market", errBadRequest))
		return
	}
	borrower, ok := parseAddress(req.Borrower)
	if !ok {
		s.fail(w, fmt.Errorf("%w: invalid borrower", errBadRequest))
		return
	}
	liquidator, err := s.caller(r.Context(), req.Liquidator)
	if err != nil {
		s.fail(w, err)
		return
	}
	amount, err := parseAmount(req.Amount, false)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.charge(liquidator, s.engine.Config().LiquidationBudget); err != nil {
		s.fail(w, err)
		return
	}
	s.mu.Lock()
	receipt, err := s.engine.Liquidate(r.Context(), borrowedMarket, collateralMarket, liquidator, borrower, amount)
	s.mu.Unlock()
	if err != nil {
		s.refund(liquidator, s.engine.Config().LiquidationBudget)
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLiquidationView(receipt))
}

func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	asset, ok := parseAddress(req.Asset)
	if !ok {
		s.fail(w, fmt.Errorf("%w: invalid asset", errBadRequest))
		return
	}
	threshold, err := parseOptionalAmount(req.Threshold)
	if err != nil {
		s.fail(w, err)
		return
	}
	limit, err := parseOptionalAmount(req.P2PCap)
	if err != nil {
		s.fail(w, err)
		return
	}
	params := matching.MarketParams{
		ReserveFactorBps: s.engine.Config().DefaultReserveFactorBps,
		MaxSortedUsers:   req.MaxSortedUsers,
		Threshold:        threshold,
		P2PCap:           limit,
		P2PDisabled:      req.P2PDisabled,
	}
	if req.ReserveFactorBps != nil {
		params.ReserveFactorBps = *req.ReserveFactorBps
	}

	s.mu.Lock()
	err = s.engine.CreateMarket(r.Context(), asset, params)
	var view marketView
	if err == nil {
		var m *matching.Market
		if m, err = s.engine.Market(asset); err == nil {
			view = s.marketViewLocked(m)
		}
	}
	s.mu.Unlock()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("market created", "market", asset.Hex(), "reserve_factor_bps", params.ReserveFactorBps)
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleUpdateMarket(w http.ResponseWriter, r *http.Request) {
	asset, ok := parseAddress(chi.URLParam(r, "asset"))
	if !ok {
		s.fail(w, fmt.Errorf("%w: invalid asset", errBadRequest))
		return
	}
	var req updateMarketRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	var threshold, limit *big.Int
	var err error
	if req.Threshold != nil {
		if threshold, err = parseOptionalAmount(*req.Threshold); err != nil {
			s.fail(w, err)
			return
		}
	}
	if req.P2PCap != nil {
		if limit, err = parseOptionalAmount(*req.P2PCap); err != nil {
			s.fail(w, err)
			return
		}
	}

	ctx := r.Context()
	s.mu.Lock()
	err = s.applyUpdateLocked(ctx, asset, req, threshold, limit)
	var view marketView
	if err == nil {
		var m *matching.Market
		if m, err = s.engine.Market(asset); err == nil {
			view = s.marketViewLocked(m)
		}
	}
	s.mu.Unlock()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("market updated", "market", asset.Hex())
	writeJSON(w, http.StatusOK, view)
}

// applyUpdateLocked applies each requested change as its own engine
// transaction and stops at the first failure.
func (s *Server) applyUpdateLocked(ctx context.Context, asset common.Address, req updateMarketRequest, threshold, limit *big.Int) error {
	if req.Paused != nil {
		if err := s.engine.SetMarketPaused(ctx, asset, *req.Paused); err != nil {
			return err
		}
	}
	if req.P2PDisabled != nil {
		if err := s.engine.SetP2PDisabled(ctx, asset, *req.P2PDisabled); err != nil {
			return err
		}
	}
	if threshold != nil {
		if err := s.engine.SetThreshold(ctx, asset, threshold); err != nil {
			return err
		}
	}
	if limit != nil {
		if err := s.engine.SetP2PCap(ctx, asset, limit); err != nil {
			return err
		}
	}
	if req.MaxSortedUsers != nil {
		if err := s.engine.SetMaxSortedUsers(ctx, asset, *req.MaxSortedUsers); err != nil {
			return err
		}
	}
	if req.ReserveFactorBps != nil {
		if err := s.engine.SetReserveFactor(ctx, asset, *req.ReserveFactorBps); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	module := strings.TrimSpace(req.Module)
	if module == "" {
		module = matching.ModuleName
	}
	s.pauses.Set(module, req.Paused)
	s.logger.Info("module pause updated", "module", module, "paused", req.Paused)
	writeJSON(w, http.StatusOK, pauseView{Paused: s.pauses.Paused()})
}

// caller resolves the acting user. With authentication the token subject is
// the caller and a differing explicit user is rejected.
func (s *Server) caller(ctx context.Context, explicit string) (common.Address, error) {
	explicit = strings.TrimSpace(explicit)
	if subject, ok := middleware.Subject(ctx); ok {
		user, valid := parseAddress(subject)
		if !valid {
			return common.Address{}, fmt.Errorf("%w: token subject is not an address", errForbidden)
		}
		if explicit != "" {
			other, valid := parseAddress(explicit)
			if !valid || other != user {
				return common.Address{}, fmt.Errorf("%w: user does not match token subject", errForbidden)
			}
		}
		return user, nil
	}
	if s.opts.Auth.Enabled() {
		return common.Address{}, fmt.Errorf("%w: token subject required", errForbidden)
	}
	user, ok := parseAddress(explicit)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: invalid user", errBadRequest)
	}
	return user, nil
}

func (s *Server) charge(user common.Address, budget uint64) error {
	err := s.quota.Charge(user.Hex(), s.clock().Unix(), budget)
	if err != nil {
		observability.ModuleMetrics().RecordThrottle(rateLimitKey, "quota_exceeded")
	}
	return err
}

// refund returns a charge whose engine call failed.
func (s *Server) refund(user common.Address, budget uint64) {
	s.quota.Refund(user.Hex(), s.clock().Unix(), budget)
}

var errForbidden = errors.New("forbidden")

func decodeBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

// parseAmount reads a decimal amount bounded to 256 bits. With allowMax the
// word "max" requests the whole balance.
func parseAmount(raw string, allowMax bool) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if allowMax && strings.EqualFold(raw, maxAmountWord) {
		return new(uint256.Int).SetAllOne().ToBig(), nil
	}
	if raw == "" {
		return nil, matching.ErrInvalidAmount
	}
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		if errors.Is(err, uint256.ErrBig256Range) {
			return nil, matching.ErrAmountOverflow
		}
		return nil, fmt.Errorf("%w: invalid amount %q", errBadRequest, raw)
	}
	if value.IsZero() {
		return nil, matching.ErrInvalidAmount
	}
	return value.ToBig(), nil
}

func parseOptionalAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid amount %q", errBadRequest, raw)
	}
	return value.ToBig(), nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded),
		errors.Is(err, nativecommon.ErrQuotaBudgetExceeded),
		errors.Is(err, nativecommon.ErrQuotaCounterOverflow):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, simpool.ErrUnknownAsset):
		return http.StatusNotFound, "asset_not_listed"
	}
	code := matching.ErrorCode(err)
	switch {
	case errors.Is(err, matching.ErrInvalidAmount),
		errors.Is(err, matching.ErrAmountOverflow),
		errors.Is(err, matching.ErrInvalidConfig):
		return http.StatusBadRequest, code
	case errors.Is(err, matching.ErrMarketNotFound),
		errors.Is(err, matching.ErrNotAMember):
		return http.StatusNotFound, code
	case errors.Is(err, matching.ErrMarketExists),
		errors.Is(err, matching.ErrReentrant):
		return http.StatusConflict, code
	case errors.Is(err, matching.ErrInsufficientCollateral),
		errors.Is(err, matching.ErrExcessiveSeize),
		errors.Is(err, matching.ErrExcessiveRepay),
		errors.Is(err, matching.ErrNotLiquidatable),
		errors.Is(err, matching.ErrNothingToWithdraw),
		errors.Is(err, matching.ErrNoDebtToRepay):
		return http.StatusUnprocessableEntity, code
	case errors.Is(err, matching.ErrMarketNotEnabled),
		errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusLocked, code
	default:
		return http.StatusInternalServerError, code
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

var _ events.Emitter = (*Server)(nil)
