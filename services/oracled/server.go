package oracled

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"chainscore/native/oracle"
	telemetry "chainscore/observability/otel"
)

// Ledger is the request ledger served over HTTP.
type Ledger interface {
	Create(sender common.Address, spec common.Hash, dataVersion uint64, payment *big.Int, callback oracle.CallbackTarget, expiresIn int64) (*oracle.Request, error)
	Confirm(id common.Hash, from common.Address, data *uint256.Int) (*oracle.Request, error)
	Cancel(id common.Hash, caller common.Address) (*oracle.Request, error)
	Expire(id common.Hash) (*oracle.Request, error)
	Request(id common.Hash) (*oracle.Request, error)
	Nonce(identity common.Address) (uint64, error)
	Balance(addr common.Address) (*big.Int, error)
	OpenRequests(sender common.Address) ([]common.Hash, error)
}

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Ledger   Ledger
	Schedule *oracle.Schedule
	Auth     *Authenticator
	Limiter  *RateLimiter
	Stream   http.Handler
	Outbox   *Outbox
	Logger   *slog.Logger
}

// Server exposes the request ledger over a JSON API.
type Server struct {
	ledger   Ledger
	schedule *oracle.Schedule
	auth     *Authenticator
	limiter  *RateLimiter
	stream   http.Handler
	outbox   *Outbox
	logger   *slog.Logger
	tracer   trace.Tracer
	router   http.Handler
}

// NewServer builds the API router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("server: ledger required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authenticator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := &Server{
		ledger:   cfg.Ledger,
		schedule: cfg.Schedule,
		auth:     cfg.Auth,
		limiter:  cfg.Limiter,
		stream:   cfg.Stream,
		outbox:   cfg.Outbox,
		logger:   cfg.Logger,
		tracer:   telemetry.Tracer(),
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		if s.stream != nil {
			api.With(s.limit("events")).Handle("/events", s.stream)
		}
		api.Get("/specs", s.handleSpecs)
		api.Group(func(protected chi.Router) {
			protected.Use(s.auth.Middleware)
			protected.With(s.limit("create")).Post("/requests", s.handleCreate)
			protected.With(s.limit("read")).Get("/requests/{id}", s.handleGet)
			protected.With(s.limit("read")).Get("/requests/{id}/delivery", s.handleDelivery)
			protected.With(s.limit("confirm")).Post("/requests/{id}/confirmations", s.handleConfirm)
			protected.With(s.limit("cancel")).Post("/requests/{id}/cancel", s.handleCancel)
			protected.With(s.limit("expire")).Post("/requests/{id}/expire", s.handleExpire)
			protected.With(s.limit("read")).Get("/accounts/{address}", s.handleAccount)
		})
	})
	return r
}

func (s *Server) limit(route string) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.limiter.Middleware(route)
}

type createRequestBody struct {
	SpecID           string `json:"specId"`
	DataVersion      uint64 `json:"dataVersion"`
	Payment          string `json:"payment"`
	CallbackContract string `json:"callbackContract"`
	CallbackFunction string `json:"callbackFunction"`
	ExpiresIn        int64  `json:"expiresIn"`
}

type confirmBody struct {
	Data string `json:"data"`
}

type confirmationView struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Data string `json:"data"`
}

type requestView struct {
	ID               string             `json:"id"`
	Sender           string             `json:"sender"`
	Nonce            uint64             `json:"nonce"`
	SpecID           string             `json:"specId"`
	DataVersion      uint64             `json:"dataVersion"`
	Payment          string             `json:"payment"`
	CallbackContract string             `json:"callbackContract"`
	CallbackFunction string             `json:"callbackFunction"`
	CreatedAt        int64              `json:"createdAt"`
	CancelExpiration int64              `json:"cancelExpiration"`
	Status           string             `json:"status"`
	Confirmations    []confirmationView `json:"confirmations"`
	FinalData        string             `json:"finalData,omitempty"`
	ResolvedAt       int64              `json:"resolvedAt,omitempty"`
}

func newRequestView(r *oracle.Request) requestView {
	view := requestView{
		ID:               r.ID.Hex(),
		Sender:           r.Sender.Hex(),
		Nonce:            r.Nonce,
		SpecID:           r.SpecID.Hex(),
		DataVersion:      r.DataVersion,
		Payment:          r.Payment.String(),
		CallbackContract: r.Callback.Contract.Hex(),
		CallbackFunction: r.Callback.Function,
		CreatedAt:        r.CreatedAt,
		CancelExpiration: r.CancelExpiration,
		Status:           r.Status.String(),
		Confirmations:    make([]confirmationView, 0, len(r.Confirmations)),
		ResolvedAt:       r.ResolvedAt,
	}
	for _, c := range r.Confirmations {
		view.Confirmations = append(view.Confirmations, confirmationView{ID: c.ID.Hex(), From: c.From.Hex(), Data: c.Data.Dec()})
	}
	if r.FinalData != nil {
		view.FinalData = r.FinalData.Dec()
	}
	return view
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFromContext(r.Context())
	var body createRequestBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec, err := oracle.ParseSpecID(body.SpecID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payment, ok := new(big.Int).SetString(strings.TrimSpace(body.Payment), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "payment must be a decimal amount")
		return
	}
	if !common.IsHexAddress(body.CallbackContract) {
		writeError(w, http.StatusBadRequest, "callbackContract must be a hex address")
		return
	}
	callback := oracle.CallbackTarget{
		Contract: common.HexToAddress(body.CallbackContract),
		Function: strings.TrimSpace(body.CallbackFunction),
	}

	_, span := s.tracer.Start(r.Context(), "oracle.create", trace.WithAttributes(
		attribute.String("sender", caller.Hex()),
		attribute.String("spec", spec.Hex()),
	))
	req, err := s.ledger.Create(caller, spec, body.DataVersion, payment, callback, body.ExpiresIn)
	endSpan(span, err)
	if err != nil {
		s.writeLedgerError(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, newRequestView(req))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	req, err := s.ledger.Request(id)
	if err != nil {
		s.writeLedgerError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestView(req))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	caller, _ := IdentityFromContext(r.Context())
	var body confirmBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := parseValue(body.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	_, span := s.tracer.Start(r.Context(), "oracle.confirm", trace.WithAttributes(
		attribute.String("request_id", id.Hex()),
		attribute.String("oracle", caller.Hex()),
	))
	req, err := s.ledger.Confirm(id, caller, data)
	endSpan(span, err)
	if err != nil {
		s.writeLedgerError(w, "confirm", err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestView(req))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	caller, _ := IdentityFromContext(r.Context())
	_, span := s.tracer.Start(r.Context(), "oracle.cancel", trace.WithAttributes(attribute.String("request_id", id.Hex())))
	req, err := s.ledger.Cancel(id, caller)
	endSpan(span, err)
	if err != nil {
		s.writeLedgerError(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestView(req))
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	_, span := s.tracer.Start(r.Context(), "oracle.expire", trace.WithAttributes(attribute.String("request_id", id.Hex())))
	req, err := s.ledger.Expire(id)
	endSpan(span, err)
	if err != nil {
		s.writeLedgerError(w, "expire", err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestView(req))
}

type deliveryView struct {
	RequestID     string `json:"requestId"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"lastError,omitempty"`
	NextAttemptAt string `json:"nextAttemptAt,omitempty"`
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := requestIDParam(w, r)
	if !ok {
		return
	}
	if s.outbox == nil {
		writeError(w, http.StatusNotFound, "callback delivery not configured")
		return
	}
	msg, err := s.outbox.Message(r.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "no callback queued for request")
		return
	}
	if err != nil {
		s.logger.Error("delivery lookup failed", slog.String("request_id", id.Hex()), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	view := deliveryView{RequestID: msg.RequestID, Status: msg.Status, Attempts: msg.Attempts, LastError: msg.LastError}
	if msg.Status == DeliveryPending {
		view.NextAttemptAt = msg.NextAttemptAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "address must be hex")
		return
	}
	addr := common.HexToAddress(raw)
	balance, err := s.ledger.Balance(addr)
	if err != nil {
		s.writeLedgerError(w, "account", err)
		return
	}
	nonce, err := s.ledger.Nonce(addr)
	if err != nil {
		s.writeLedgerError(w, "account", err)
		return
	}
	open, err := s.ledger.OpenRequests(addr)
	if err != nil {
		s.writeLedgerError(w, "account", err)
		return
	}
	ids := make([]string, len(open))
	for i, id := range open {
		ids[i] = id.Hex()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":      addr.Hex(),
		"balance":      balance.String(),
		"nonce":        nonce,
		"openRequests": ids,
	})
}

type specView struct {
	ID          string   `json:"id"`
	Fee         string   `json:"fee"`
	Quorum      uint32   `json:"quorum"`
	Aggregation string   `json:"aggregation"`
	Oracles     []string `json:"oracles,omitempty"`
}

func (s *Server) handleSpecs(w http.ResponseWriter, _ *http.Request) {
	out := make([]specView, 0)
	if s.schedule != nil {
		for _, id := range s.schedule.Specs() {
			policy, ok := s.schedule.Policy(id)
			if !ok {
				continue
			}
			view := specView{ID: id.Hex(), Fee: policy.Fee.String(), Quorum: policy.Quorum, Aggregation: policy.Aggregation}
			for _, o := range policy.Oracles {
				view.Oracles = append(view.Oracles, o.Hex())
			}
			out = append(out, view)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeLedgerError(w http.ResponseWriter, operation string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("ledger operation failed", slog.String("operation", operation), slog.String("error", err.Error()))
		writeJSONError(w, status, "internal error", "internal")
		return
	}
	writeJSONError(w, status, err.Error(), oracle.ErrorReason(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, oracle.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, oracle.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, oracle.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, oracle.ErrIllegalFee),
		errors.Is(err, oracle.ErrInvalidExpiration),
		errors.Is(err, oracle.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, oracle.ErrRequestNotActive),
		errors.Is(err, oracle.ErrRequestExpired),
		errors.Is(err, oracle.ErrDuplicateConfirmation),
		errors.Is(err, oracle.ErrDuplicateRequest),
		errors.Is(err, oracle.ErrTooEarly):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, oracle.ErrorReason(err))
	}
	span.End()
}

func requestIDParam(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	raw := strings.TrimPrefix(strings.TrimSpace(chi.URLParam(r, "id")), "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != common.HashLength {
		writeError(w, http.StatusBadRequest, "request id must be 32 bytes of hex")
		return common.Hash{}, false
	}
	return common.BytesToHash(decoded), true
}

// parseValue accepts a decimal or 0x-prefixed hex 256-bit value.
func parseValue(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return uint256.FromHex(raw)
	}
	return uint256.FromDecimal(raw)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONError(w, status, message, "")
}
