package oracled

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chainscore/native/oracle"
	"chainscore/observability/logging"
	"chainscore/observability/metrics"
)

// Outbox drivers accepted in configuration.
const (
	OutboxDriverSQLite   = "sqlite"
	OutboxDriverPostgres = "postgres"
)

// SignatureHeader carries the hex HMAC-SHA256 of the callback body.
const SignatureHeader = "X-Oracle-Signature"

// Delivery states for queued callbacks.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

const (
	outboxBatchSize = 32
	maxBackoff      = 5 * time.Minute
)

// OutboxMessage is a resolved request waiting to be pushed to its callback
// endpoint.
type OutboxMessage struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID     string    `gorm:"size:66;uniqueIndex"`
	Sender        string    `gorm:"size:42"`
	Contract      string    `gorm:"size:42;index"`
	Function      string    `gorm:"size:128"`
	FinalData     string    `gorm:"size:80"`
	ResolvedAt    int64
	Status        string `gorm:"size:16;index"`
	Attempts      int
	LastError     string    `gorm:"size:512"`
	NextAttemptAt time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CallbackPayload is the JSON body POSTed to callback endpoints.
type CallbackPayload struct {
	RequestID  string `json:"requestId"`
	Sender     string `json:"sender"`
	Contract   string `json:"contract"`
	Function   string `json:"function"`
	FinalData  string `json:"finalData"`
	ResolvedAt int64  `json:"resolvedAt"`
}

// Message converts the payload back into a ledger callback message.
func (p CallbackPayload) Message() (oracle.CallbackMessage, error) {
	if !common.IsHexAddress(p.Sender) || !common.IsHexAddress(p.Contract) {
		return oracle.CallbackMessage{}, errors.New("callback payload: malformed address")
	}
	idBytes, err := hex.DecodeString(strings.TrimPrefix(p.RequestID, "0x"))
	if err != nil || len(idBytes) != common.HashLength {
		return oracle.CallbackMessage{}, errors.New("callback payload: malformed request id")
	}
	data, err := uint256.FromDecimal(p.FinalData)
	if err != nil {
		return oracle.CallbackMessage{}, fmt.Errorf("callback payload: final data: %w", err)
	}
	return oracle.CallbackMessage{
		RequestID:  common.BytesToHash(idBytes),
		Sender:     common.HexToAddress(p.Sender),
		Callback:   oracle.CallbackTarget{Contract: common.HexToAddress(p.Contract), Function: p.Function},
		FinalData:  data,
		ResolvedAt: p.ResolvedAt,
	}, nil
}

// SignPayload returns the hex HMAC-SHA256 of body under secret.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(SignPayload(secret, body))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// OpenOutboxDB connects to the outbox database.
func OpenOutboxDB(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case OutboxDriverSQLite:
		return gorm.Open(sqlite.Open(dsn), cfg)
	case OutboxDriverPostgres:
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported outbox driver %q", driver)
	}
}

// Outbox persists resolution callbacks and delivers them over HTTP with
// exponential backoff.
type Outbox struct {
	db          *gorm.DB
	client      *http.Client
	urls        map[common.Address]string
	secret      string
	maxAttempts int
	logger      *slog.Logger
	metrics     *metrics.OracleMetrics
	nowFn       func() time.Time
}

// NewOutbox migrates the outbox schema and returns a dispatcher backed by db.
func NewOutbox(db *gorm.DB, cfg OutboxConfig, log *slog.Logger, m *metrics.OracleMetrics) (*Outbox, error) {
	if db == nil {
		return nil, errors.New("outbox: database required")
	}
	if err := db.AutoMigrate(&OutboxMessage{}); err != nil {
		return nil, fmt.Errorf("outbox: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	return &Outbox{
		db:          db,
		client:      &http.Client{Timeout: timeout},
		urls:        cfg.CallbackURLs(),
		secret:      cfg.SigningSecret,
		maxAttempts: attempts,
		logger:      log,
		metrics:     m,
		nowFn:       time.Now,
	}, nil
}

// SetHTTPClient overrides the delivery client.
func (o *Outbox) SetHTTPClient(client *http.Client) {
	if client != nil {
		o.client = client
	}
}

// SetNowFunc overrides the clock used for scheduling retries.
func (o *Outbox) SetNowFunc(now func() time.Time) {
	if now != nil {
		o.nowFn = now
	}
}

// Dispatch queues msg for delivery. It satisfies oracle.Dispatcher.
func (o *Outbox) Dispatch(msg oracle.CallbackMessage) error {
	final := "0"
	if msg.FinalData != nil {
		final = msg.FinalData.Dec()
	}
	now := o.nowFn().UTC()
	row := OutboxMessage{
		ID:            uuid.New(),
		RequestID:     msg.RequestID.Hex(),
		Sender:        msg.Sender.Hex(),
		Contract:      msg.Callback.Contract.Hex(),
		Function:      msg.Callback.Function,
		FinalData:     final,
		ResolvedAt:    msg.ResolvedAt,
		Status:        DeliveryPending,
		NextAttemptAt: now,
	}
	if err := o.db.Create(&row).Error; err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", row.RequestID, err)
	}
	o.refreshPending(context.Background())
	return nil
}

// Message loads the queued message for a request.
func (o *Outbox) Message(ctx context.Context, id common.Hash) (*OutboxMessage, error) {
	var row OutboxMessage
	if err := o.db.WithContext(ctx).Where("request_id = ?", id.Hex()).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Pending counts messages still awaiting delivery.
func (o *Outbox) Pending(ctx context.Context) (int64, error) {
	var count int64
	err := o.db.WithContext(ctx).Model(&OutboxMessage{}).Where("status = ?", DeliveryPending).Count(&count).Error
	return count, err
}

// Run delivers due messages every interval until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := o.DeliverDue(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("outbox: delivery pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DeliverDue attempts every pending message whose retry time has passed and
// returns how many were delivered.
func (o *Outbox) DeliverDue(ctx context.Context) (int, error) {
	var rows []OutboxMessage
	err := o.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", DeliveryPending, o.nowFn().UTC()).
		Order("next_attempt_at asc").
		Limit(outboxBatchSize).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	delivered := 0
	for i := range rows {
		if ctx.Err() != nil {
			break
		}
		if o.deliver(ctx, &rows[i]) {
			delivered++
		}
	}
	o.refreshPending(ctx)
	return delivered, nil
}

func (o *Outbox) deliver(ctx context.Context, row *OutboxMessage) bool {
	url, ok := o.urls[common.HexToAddress(row.Contract)]
	if !ok {
		o.finish(ctx, row, DeliveryFailed, "no callback endpoint for contract")
		o.metrics.ObserveCallbackDelivery("unroutable")
		return false
	}
	body, err := json.Marshal(CallbackPayload{
		RequestID:  row.RequestID,
		Sender:     row.Sender,
		Contract:   row.Contract,
		Function:   row.Function,
		FinalData:  row.FinalData,
		ResolvedAt: row.ResolvedAt,
	})
	if err != nil {
		o.finish(ctx, row, DeliveryFailed, err.Error())
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		o.finish(ctx, row, DeliveryFailed, err.Error())
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if o.secret != "" {
		req.Header.Set(SignatureHeader, SignPayload(o.secret, body))
	}
	resp, err := o.client.Do(req)
	if err != nil {
		o.retryLater(ctx, row, url, err.Error())
		return false
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		o.retryLater(ctx, row, url, resp.Status)
		return false
	}
	row.Attempts++
	o.finish(ctx, row, DeliveryDelivered, "")
	o.metrics.ObserveCallbackDelivery("delivered")
	return true
}

func (o *Outbox) retryLater(ctx context.Context, row *OutboxMessage, endpoint, errMsg string) {
	row.Attempts++
	if row.Attempts >= o.maxAttempts {
		o.logger.Warn("outbox: giving up on callback",
			slog.String("request_id", row.RequestID),
			logging.MaskField("contract", row.Contract),
			logging.MaskField("endpoint", endpoint),
			slog.Int("attempt", row.Attempts),
			slog.String("error", errMsg))
		o.finish(ctx, row, DeliveryFailed, errMsg)
		o.metrics.ObserveCallbackDelivery("exhausted")
		return
	}
	row.NextAttemptAt = o.nowFn().UTC().Add(backoffDuration(row.Attempts))
	row.LastError = truncate(errMsg, 512)
	if err := o.db.WithContext(ctx).Save(row).Error; err != nil {
		o.logger.Error("outbox: record retry", slog.String("request_id", row.RequestID), slog.String("error", err.Error()))
	}
	o.metrics.ObserveCallbackDelivery("retry")
}

func (o *Outbox) finish(ctx context.Context, row *OutboxMessage, status, errMsg string) {
	row.Status = status
	row.LastError = truncate(errMsg, 512)
	if err := o.db.WithContext(ctx).Save(row).Error; err != nil {
		o.logger.Error("outbox: record outcome", slog.String("request_id", row.RequestID), slog.String("error", err.Error()))
	}
}

func (o *Outbox) refreshPending(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	if n, err := o.Pending(ctx); err == nil {
		o.metrics.SetOutboxPending(int(n))
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 20 {
		return maxBackoff
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
