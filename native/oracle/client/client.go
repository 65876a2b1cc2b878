// Package client is the consumer-side entry point to the oracle ledger. It
// builds requests, submits and cancels them on behalf of one account, and
// forwards resolved values to the consumer's handler exactly once.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"chainscore/native/oracle"
)

var (
	ErrNoLedger         = errors.New("oracle client: ledger not configured")
	ErrUnknownRequest   = errors.New("oracle client: request not issued by this client")
	ErrAlreadyResolved  = errors.New("oracle client: request already resolved")
	ErrCallbackMismatch = errors.New("oracle client: callback does not match ledger state")
)

// Ledger is the coordinator the client talks to.
type Ledger interface {
	Create(sender common.Address, spec common.Hash, dataVersion uint64, payment *big.Int, callback oracle.CallbackTarget, expiresIn int64) (*oracle.Request, error)
	Cancel(id common.Hash, caller common.Address) (*oracle.Request, error)
	Request(id common.Hash) (*oracle.Request, error)
}

// Handler consumes a resolved value.
type Handler func(ctx context.Context, id common.Hash, data *uint256.Int) error

// Draft is a request built but not yet sent.
type Draft struct {
	SpecID      common.Hash
	DataVersion uint64
	Payment     *big.Int
	Callback    oracle.CallbackTarget
	ExpiresIn   int64
}

// Option configures a Client.
type Option func(*Client)

// WithCallbackContract sets the contract identity placed in every callback
// target. It defaults to the client account.
func WithCallbackContract(addr common.Address) Option {
	return func(c *Client) { c.contract = addr }
}

// WithHandler sets the consumer handler for resolved values.
func WithHandler(h Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithLogger overrides the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client is the request coordinator facade for a single consumer account.
type Client struct {
	mu       sync.Mutex
	account  common.Address
	contract common.Address
	ledger   Ledger
	handler  Handler
	logger   *slog.Logger
	pending  map[common.Hash]struct{}
	resolved map[common.Hash]struct{}
}

// New creates a client acting as account against ledger.
func New(account common.Address, ledger Ledger, opts ...Option) *Client {
	c := &Client{
		account:  account,
		contract: account,
		ledger:   ledger,
		logger:   slog.Default(),
		pending:  make(map[common.Hash]struct{}),
		resolved: make(map[common.Hash]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Account returns the requesting identity.
func (c *Client) Account() common.Address { return c.account }

// SetLedger switches the coordinator used for subsequent calls.
func (c *Client) SetLedger(ledger Ledger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledger = ledger
}

func (c *Client) currentLedger() (Ledger, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ledger == nil {
		return nil, ErrNoLedger
	}
	return c.ledger, nil
}

// CreateRequest builds a draft whose callback targets function on the
// client's callback contract.
func (c *Client) CreateRequest(spec common.Hash, dataVersion uint64, payment *big.Int, function string, expiresIn int64) Draft {
	amount := big.NewInt(0)
	if payment != nil {
		amount.Set(payment)
	}
	return Draft{
		SpecID:      spec,
		DataVersion: dataVersion,
		Payment:     amount,
		Callback:    oracle.CallbackTarget{Contract: c.contract, Function: function},
		ExpiresIn:   expiresIn,
	}
}

// SendRequest submits the draft and tracks the resulting request until it
// resolves or is cancelled.
func (c *Client) SendRequest(d Draft) (*oracle.Request, error) {
	ledger, err := c.currentLedger()
	if err != nil {
		return nil, err
	}
	req, err := ledger.Create(c.account, d.SpecID, d.DataVersion, d.Payment, d.Callback, d.ExpiresIn)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.pending[req.ID] = struct{}{}
	c.mu.Unlock()
	return req, nil
}

// CancelRequest reclaims the payment of an expired, unresolved request.
func (c *Client) CancelRequest(id common.Hash) (*oracle.Request, error) {
	ledger, err := c.currentLedger()
	if err != nil {
		return nil, err
	}
	req, err := ledger.Cancel(id, c.account)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	return req, nil
}

// ResolveRequest receives a resolution callback. The message is checked
// against the ledger and forwarded to the handler at most once per request.
func (c *Client) ResolveRequest(ctx context.Context, msg oracle.CallbackMessage) error {
	ledger, err := c.currentLedger()
	if err != nil {
		return err
	}
	if msg.Sender != c.account || msg.Callback.Contract != c.contract {
		return ErrUnknownRequest
	}
	req, err := ledger.Request(msg.RequestID)
	if err != nil {
		return fmt.Errorf("oracle client: verify callback: %w", err)
	}
	if req.Sender != c.account || req.Callback.Contract != c.contract || req.Callback != msg.Callback {
		return ErrUnknownRequest
	}
	if req.Status != oracle.StatusResolved || req.FinalData == nil || msg.FinalData == nil || !req.FinalData.Eq(msg.FinalData) {
		return ErrCallbackMismatch
	}

	c.mu.Lock()
	if _, done := c.resolved[msg.RequestID]; done {
		c.mu.Unlock()
		return ErrAlreadyResolved
	}
	c.resolved[msg.RequestID] = struct{}{}
	delete(c.pending, msg.RequestID)
	handler := c.handler
	c.mu.Unlock()

	if handler == nil {
		return nil
	}
	return handler(ctx, msg.RequestID, req.FinalData.Clone())
}

// Dispatch lets the client be wired directly as the ledger's callback
// dispatcher for in-process consumers.
func (c *Client) Dispatch(msg oracle.CallbackMessage) error {
	err := c.ResolveRequest(context.Background(), msg)
	if errors.Is(err, ErrUnknownRequest) {
		return nil
	}
	if err != nil {
		c.logger.Warn("oracle client callback rejected",
			slog.String("request", msg.RequestID.Hex()),
			slog.Any("error", err))
	}
	return err
}

// Pending lists requests sent by this client that have not yet resolved or
// been cancelled through it.
func (c *Client) Pending() []common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]common.Hash, 0, len(c.pending))
	for id := range c.pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}
