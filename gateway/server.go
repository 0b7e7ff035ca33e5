package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"escrowd/ledger"
	"escrowd/native/fees"
	"escrowd/native/receipt"
	"escrowd/native/settlement"
	"escrowd/recon"
)

const maxBodyBytes = 1 << 20

// HeaderIdempotencyKey lets clients replay POST /v1/escrows safely.
const HeaderIdempotencyKey = "Idempotency-Key"

// Config wires the HTTP surface to the engines behind it.
type Config struct {
	Engine      *settlement.Engine
	Registry    *receipt.Registry
	Projections *recon.Store
	Idempotency *IdempotencyStore
	Auth        *Authenticator
	Admin       *AdminVerifier
	Metrics     HTTPObserver
	MetricsPage http.Handler
	RateLimit   RateLimit
	Logger      *slog.Logger
	Now         func() time.Time
}

// Server serves the public escrow API and the administrative surface.
type Server struct {
	cfg    Config
	router chi.Router
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewServer assembles the router. Engine and Auth are mandatory; the
// remaining collaborators degrade gracefully when absent.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	s := &Server{cfg: cfg, logger: logger, nowFn: nowFn}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe(cfg.Metrics))
	r.Use(newRateLimiter(cfg.RateLimit, nowFn).middleware)

	r.Get("/healthz", s.handleHealth)
	if cfg.MetricsPage != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsPage)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/escrows", s.handleDeposit)
		r.Post("/escrows/{orderID}/release", s.handleRelease)
		r.Post("/escrows/{orderID}/dispute", s.handleDispute)
		r.Get("/escrows/{orderID}", s.handleGetEscrow)
		r.Get("/receipts/{tokenID}/royalty", s.handleRoyalty)
	})

	r.Route("/ops", func(r chi.Router) {
		r.Post("/escrow/{orderID}/refund", s.handleAdminRefund)
		r.Put("/escrow/fees", s.handleUpdateFee)
		r.Put("/escrow/fee-recipient", s.handleUpdateFeeRecipient)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type depositRequest struct {
	OrderID         string `json:"orderId"`
	Seller          string `json:"seller"`
	Amount          string `json:"amount"`
	TimeoutAt       int64  `json:"timeoutAt"`
	ReceiptEligible bool   `json:"receiptEligible"`
	ReceiptURI      string `json:"receiptUri,omitempty"`
	RoyaltyBps      uint32 `json:"royaltyBps,omitempty"`
}

type escrowResponse struct {
	OrderID         string  `json:"orderId"`
	OrderKey        string  `json:"orderKey"`
	Buyer           string  `json:"buyer"`
	Seller          string  `json:"seller"`
	Amount          string  `json:"amount"`
	Status          string  `json:"status"`
	TimeoutAt       int64   `json:"timeoutAt"`
	ReceiptEligible bool    `json:"receiptEligible"`
	ReceiptURI      string  `json:"receiptUri,omitempty"`
	RoyaltyBps      uint32  `json:"royaltyBps,omitempty"`
	TokenID         *uint64 `json:"tokenId,omitempty"`
}

type transitionResponse struct {
	OrderID string  `json:"orderId"`
	Status  string  `json:"status"`
	TokenID *uint64 `json:"tokenId,omitempty"`
	Fee     string  `json:"fee,omitempty"`
	Payout  string  `json:"payout,omitempty"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if idemKey != "" && s.cfg.Idempotency != nil {
		stored, err := s.cfg.Idempotency.Lookup(principal.APIKey, idemKey, body)
		if err != nil {
			if errors.Is(err, ErrIdempotencyMismatch) {
				writeError(w, http.StatusConflict, "idempotency_mismatch", "idempotency key was already used with a different request body")
				return
			}
			s.logger.Error("idempotency lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}
		if stored != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(stored.Status)
			w.Write(stored.Body)
			return
		}
	}

	var req depositRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "orderId is required")
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a base-10 integer")
		return
	}

	key := settlement.DeriveOrderKey(req.OrderID)
	if s.cfg.Projections != nil {
		if err := s.cfg.Projections.MapOrder(r.Context(), key.Hex(), req.OrderID); err != nil {
			s.logger.Error("order key mapping failed", "orderId", req.OrderID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}
	}

	outcome, err := s.cfg.Engine.Deposit(r.Context(), settlement.DepositParams{
		Key:             key,
		Buyer:           principal.Account,
		Seller:          settlement.AccountID(strings.TrimSpace(req.Seller)),
		Amount:          amount,
		TimeoutAt:       req.TimeoutAt,
		ReceiptEligible: req.ReceiptEligible,
		ReceiptURI:      req.ReceiptURI,
		RoyaltyBps:      req.RoyaltyBps,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status, payload := http.StatusCreated, transitionPayload(req.OrderID, outcome)
	encoded := mustMarshal(payload)
	if idemKey != "" && s.cfg.Idempotency != nil {
		if err := s.cfg.Idempotency.Record(principal.APIKey, idemKey, body, status, encoded); err != nil {
			s.logger.Error("idempotency record failed", "error", err)
		}
	}
	writeRaw(w, status, encoded)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	_, principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	orderID := chi.URLParam(r, "orderID")
	outcome, err := s.cfg.Engine.Release(r.Context(), principal.Account, settlement.DeriveOrderKey(orderID))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionPayload(orderID, outcome))
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	_, principal, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	orderID := chi.URLParam(r, "orderID")
	outcome, err := s.cfg.Engine.Dispute(r.Context(), principal.Account, settlement.DeriveOrderKey(orderID))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionPayload(orderID, outcome))
}

// handleGetEscrow serves reads from the reconciled projection when one
// exists, falling back to the authoritative ledger for records the
// reconciler has not seen yet.
func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authenticate(w, r); !ok {
		return
	}
	orderID := chi.URLParam(r, "orderID")
	key := settlement.DeriveOrderKey(orderID)

	if s.cfg.Projections != nil {
		projection, found, err := s.cfg.Projections.Projection(r.Context(), key.Hex())
		if err != nil {
			s.logger.Error("projection read failed", "orderId", orderID, "error", err)
		} else if found {
			resp := escrowResponse{
				OrderID:   orderID,
				OrderKey:  projection.OrderKey,
				Buyer:     projection.Buyer,
				Seller:    projection.Seller,
				Amount:    projection.Amount,
				Status:    projection.Status,
				TimeoutAt: projection.TimeoutAt,
			}
			if rec, err := s.cfg.Engine.GetEscrow(key); err == nil {
				resp.ReceiptEligible = rec.ReceiptEligible
				resp.ReceiptURI = rec.ReceiptURI
				resp.RoyaltyBps = rec.RoyaltyBps
				resp.TokenID = rec.TokenID
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	rec, err := s.cfg.Engine.GetEscrow(key)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponse{
		OrderID:         orderID,
		OrderKey:        key.Hex(),
		Buyer:           string(rec.Buyer),
		Seller:          string(rec.Seller),
		Amount:          rec.Amount.String(),
		Status:          rec.Status.String(),
		TimeoutAt:       rec.TimeoutAt,
		ReceiptEligible: rec.ReceiptEligible,
		ReceiptURI:      rec.ReceiptURI,
		RoyaltyBps:      rec.RoyaltyBps,
		TokenID:         rec.TokenID,
	})
}

func (s *Server) handleRoyalty(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authenticate(w, r); !ok {
		return
	}
	if s.cfg.Registry == nil {
		writeError(w, http.StatusNotFound, "not_found", "receipt registry is not enabled")
		return
	}
	tokenID, err := strconv.ParseUint(chi.URLParam(r, "tokenID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "tokenId must be an unsigned integer")
		return
	}
	saleAmount, ok := new(big.Int).SetString(strings.TrimSpace(r.URL.Query().Get("amount")), 10)
	if !ok || saleAmount.Sign() < 0 {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a non-negative base-10 integer")
		return
	}
	receiver, royalty, err := s.cfg.Registry.RoyaltyInfo(tokenID, saleAmount)
	if err != nil {
		if errors.Is(err, receipt.ErrUnknownToken) {
			writeError(w, http.StatusNotFound, "not_found", "unknown token")
			return
		}
		s.logger.Error("royalty lookup failed", "tokenId", tokenID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"receiver":      string(receiver),
		"royaltyAmount": royalty.String(),
	})
}

func (s *Server) handleAdminRefund(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.authorizeAdmin(w, r)
	if !ok {
		return
	}
	orderID := chi.URLParam(r, "orderID")
	outcome, err := s.cfg.Engine.AdminRefund(r.Context(), admin, settlement.DeriveOrderKey(orderID))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionPayload(orderID, outcome))
}

type feeUpdateRequest struct {
	PlatformFeeBps uint32 `json:"platformFeeBps"`
}

func (s *Server) handleUpdateFee(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.authorizeAdmin(w, r)
	if !ok {
		return
	}
	var req feeUpdateRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	if err := fees.ValidateFeeBps(req.PlatformFeeBps); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_fee", err.Error())
		return
	}
	if err := s.cfg.Engine.UpdateFee(r.Context(), admin, req.PlatformFeeBps); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"platformFeeBps": req.PlatformFeeBps})
}

type feeRecipientRequest struct {
	FeeRecipient string `json:"feeRecipient"`
}

func (s *Server) handleUpdateFeeRecipient(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.authorizeAdmin(w, r)
	if !ok {
		return
	}
	var req feeRecipientRequest
	if err := decodeBody(w, r, &req); err != nil {
		return
	}
	if err := s.cfg.Engine.UpdateFeeRecipient(r.Context(), admin, settlement.AccountID(strings.TrimSpace(req.FeeRecipient))); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"feeRecipient": strings.TrimSpace(req.FeeRecipient)})
}

// authenticate reads the request body (needed for signature verification) and
// resolves the calling principal. On failure it writes the error response and
// returns ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) ([]byte, *Principal, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unable to read request body")
		return nil, nil, false
	}
	if s.cfg.Auth == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication is not configured")
		return nil, nil, false
	}
	principal, err := s.cfg.Auth.Authenticate(r, body)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication failed")
		return nil, nil, false
	}
	return body, principal, true
}

func (s *Server) authorizeAdmin(w http.ResponseWriter, r *http.Request) (settlement.AccountID, bool) {
	if s.cfg.Admin == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "administrative access is not configured")
		return "", false
	}
	admin, err := s.cfg.Admin.Verify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "administrative authentication failed")
		return "", false
	}
	return admin, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var locked *settlement.RefundLockedError
	switch {
	case errors.As(err, &locked):
		writeJSON(w, http.StatusLocked, map[string]any{
			"code":     "refund_locked",
			"message":  "the dispute window has not elapsed",
			"unlockAt": locked.UnlockAt,
		})
	case errors.Is(err, settlement.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown order")
	case errors.Is(err, settlement.ErrDuplicateOrder):
		writeError(w, http.StatusConflict, "duplicate_order", "an escrow already exists for this order")
	case errors.Is(err, settlement.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, settlement.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not_authorized", "caller may not perform this transition")
	case errors.Is(err, settlement.ErrMintFailed):
		writeError(w, http.StatusBadGateway, "mint_failed", "receipt minting failed; escrow was left untouched")
	case errors.Is(err, settlement.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
	case errors.Is(err, settlement.ErrInvalidRoyalty):
		writeError(w, http.StatusBadRequest, "invalid_royalty", err.Error())
	case errors.Is(err, settlement.ErrInvalidTimeout):
		writeError(w, http.StatusBadRequest, "invalid_timeout", err.Error())
	case errors.Is(err, settlement.ErrMissingReceiptURI):
		writeError(w, http.StatusBadRequest, "missing_receipt_uri", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, "insufficient_funds", "buyer balance cannot cover the deposit")
	default:
		s.logger.Error("settlement operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func transitionPayload(orderID string, outcome *settlement.TransitionReceipt) transitionResponse {
	resp := transitionResponse{OrderID: orderID, Status: outcome.Status.String(), TokenID: outcome.TokenID}
	if outcome.Fee != nil {
		resp.Fee = outcome.Fee.String()
	}
	if outcome.Payout != nil {
		resp.Payout = outcome.Payout.String()
	}
	return resp
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unable to read request body")
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	writeRaw(w, status, mustMarshal(payload))
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func mustMarshal(payload any) []byte {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"code":"internal","message":"encoding failure"}`)
	}
	return encoded
}
