package client

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"chainscore/core/state"
	"chainscore/native/bank"
	"chainscore/native/oracle"
	"chainscore/storage"
)

type harness struct {
	engine *oracle.Engine
	mgr    *state.Manager
	spec   common.Hash
	oracle common.Address
	now    int64
}

func newHarness(t *testing.T, account common.Address) *harness {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	h := &harness{
		mgr:    state.NewManager(db),
		spec:   common.HexToHash("0x77"),
		oracle: common.HexToAddress("0x00000000000000000000000000000000000000b1"),
	}
	schedule := oracle.NewSchedule()
	require.NoError(t, schedule.SetPolicy(h.spec, oracle.SpecPolicy{Fee: big.NewInt(10), Quorum: 1}))
	senders := oracle.NewSenderRegistry()
	senders.Authorize(h.spec, h.oracle)
	require.NoError(t, bank.NewLedger(h.mgr).Mint(account, big.NewInt(100)))

	h.engine = oracle.NewEngine()
	h.engine.SetState(h.mgr)
	h.engine.SetSchedule(schedule)
	h.engine.SetSenders(senders)
	h.engine.SetNowFunc(func() int64 { return h.now })
	return h
}

func TestClientRoundTripDeliversOnce(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	h := newHarness(t, account)

	var delivered []uint64
	c := New(account, h.engine, WithHandler(func(_ context.Context, id common.Hash, data *uint256.Int) error {
		delivered = append(delivered, data.Uint64())
		return nil
	}))
	h.engine.SetDispatcher(c)

	draft := c.CreateRequest(h.spec, 1, big.NewInt(10), "on_price", 60)
	require.Equal(t, account, draft.Callback.Contract)

	req, err := c.SendRequest(draft)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{req.ID}, c.Pending())

	resolved, err := h.engine.Confirm(req.ID, h.oracle, uint256.NewInt(1234))
	require.NoError(t, err)
	require.Equal(t, oracle.StatusResolved, resolved.Status)
	require.Equal(t, []uint64{1234}, delivered)
	require.Empty(t, c.Pending())

	msg := oracle.CallbackMessage{RequestID: req.ID, Sender: account, Callback: req.Callback, FinalData: uint256.NewInt(1234)}
	require.ErrorIs(t, c.ResolveRequest(context.Background(), msg), ErrAlreadyResolved)
	require.Len(t, delivered, 1)
}

func TestClientRejectsForgedCallback(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	h := newHarness(t, account)
	c := New(account, h.engine)

	req, err := c.SendRequest(c.CreateRequest(h.spec, 1, big.NewInt(10), "on_price", 60))
	require.NoError(t, err)

	msg := oracle.CallbackMessage{RequestID: req.ID, Sender: account, Callback: req.Callback, FinalData: uint256.NewInt(1)}
	require.ErrorIs(t, c.ResolveRequest(context.Background(), msg), ErrCallbackMismatch)

	other := msg
	other.Sender = common.HexToAddress("0x02")
	require.ErrorIs(t, c.ResolveRequest(context.Background(), other), ErrUnknownRequest)
	require.NoError(t, c.Dispatch(other))
}

func TestClientIgnoresOtherConsumersRequests(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	h := newHarness(t, account)
	require.NoError(t, bank.NewLedger(h.mgr).Mint(stranger, big.NewInt(100)))

	foreign, err := h.engine.Create(stranger, h.spec, 1, big.NewInt(10), oracle.CallbackTarget{Contract: stranger, Function: "on_price"}, 60)
	require.NoError(t, err)
	_, err = h.engine.Confirm(foreign.ID, h.oracle, uint256.NewInt(42))
	require.NoError(t, err)

	var delivered []common.Hash
	c := New(account, h.engine, WithHandler(func(_ context.Context, id common.Hash, _ *uint256.Int) error {
		delivered = append(delivered, id)
		return nil
	}))

	msg := oracle.CallbackMessage{
		RequestID: foreign.ID,
		Sender:    account,
		Callback:  oracle.CallbackTarget{Contract: account, Function: "on_price"},
		FinalData: uint256.NewInt(42),
	}
	require.ErrorIs(t, c.ResolveRequest(context.Background(), msg), ErrUnknownRequest)
	require.Empty(t, delivered)

	own, err := c.SendRequest(c.CreateRequest(h.spec, 1, big.NewInt(10), "on_price", 60))
	require.NoError(t, err)
	_, err = h.engine.Confirm(own.ID, h.oracle, uint256.NewInt(7))
	require.NoError(t, err)

	renamed := oracle.CallbackMessage{
		RequestID: own.ID,
		Sender:    account,
		Callback:  oracle.CallbackTarget{Contract: account, Function: "other"},
		FinalData: uint256.NewInt(7),
	}
	require.ErrorIs(t, c.ResolveRequest(context.Background(), renamed), ErrUnknownRequest)

	renamed.Callback = own.Callback
	require.NoError(t, c.ResolveRequest(context.Background(), renamed))
	require.Equal(t, []common.Hash{own.ID}, delivered)
}

func TestClientCancelAfterExpiry(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	h := newHarness(t, account)
	c := New(account, h.engine, WithCallbackContract(common.HexToAddress("0xc0")))

	req, err := c.SendRequest(c.CreateRequest(h.spec, 1, big.NewInt(10), "on_price", 60))
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xc0"), req.Callback.Contract)

	_, err = c.CancelRequest(req.ID)
	require.ErrorIs(t, err, oracle.ErrTooEarly)

	h.now = 60
	cancelled, err := c.CancelRequest(req.ID)
	require.NoError(t, err)
	require.Equal(t, oracle.StatusCancelled, cancelled.Status)
	require.Empty(t, c.Pending())
	bal, err := h.engine.Balance(account)
	require.NoError(t, err)
	require.EqualValues(t, 100, bal.Int64())
}

type stubLedger struct {
	created int
}

func (s *stubLedger) Create(sender common.Address, spec common.Hash, dataVersion uint64, payment *big.Int, callback oracle.CallbackTarget, expiresIn int64) (*oracle.Request, error) {
	s.created++
	return &oracle.Request{ID: oracle.RequestID(sender, uint64(s.created)), Sender: sender}, nil
}

func (s *stubLedger) Cancel(common.Hash, common.Address) (*oracle.Request, error) {
	return nil, errors.New("not supported")
}

func (s *stubLedger) Request(common.Hash) (*oracle.Request, error) {
	return nil, oracle.ErrRequestNotFound
}

func TestClientSetLedger(t *testing.T) {
	c := New(common.HexToAddress("0x01"), nil)
	_, err := c.SendRequest(Draft{})
	require.ErrorIs(t, err, ErrNoLedger)

	stub := &stubLedger{}
	c.SetLedger(stub)
	_, err = c.SendRequest(Draft{})
	require.NoError(t, err)
	require.Equal(t, 1, stub.created)
}
