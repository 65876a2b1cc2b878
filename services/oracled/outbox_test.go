package oracled

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"chainscore/native/oracle"
	"chainscore/observability/logging"
)

func newTestOutbox(t *testing.T, callbacks map[string]string, maxAttempts int) (*Outbox, *time.Time) {
	t.Helper()
	outbox, err := NewOutbox(newOutboxDB(t), OutboxConfig{
		MaxAttempts:   maxAttempts,
		SigningSecret: testSigningSecret,
		Callbacks:     callbacks,
	}, nil, nil)
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	outbox.SetNowFunc(func() time.Time { return now })
	return outbox, &now
}

func testMessage(id byte) oracle.CallbackMessage {
	return oracle.CallbackMessage{
		RequestID:  common.Hash{id},
		Sender:     testSender,
		Callback:   oracle.CallbackTarget{Contract: testContract, Function: "onPrice"},
		FinalData:  uint256.NewInt(42),
		ResolvedAt: 7,
	}
}

func TestOutboxRetriesWithBackoffThenGivesUp(t *testing.T) {
	var calls atomic.Int32
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer endpoint.Close()

	outbox, now := newTestOutbox(t, map[string]string{testContract.Hex(): endpoint.URL}, 3)
	ctx := context.Background()
	require.NoError(t, outbox.Dispatch(testMessage(1)))

	n, err := outbox.DeliverDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, int32(1), calls.Load())

	msg, err := outbox.Message(ctx, common.Hash{1})
	require.NoError(t, err)
	require.Equal(t, DeliveryPending, msg.Status)
	require.Equal(t, 1, msg.Attempts)
	require.True(t, now.Add(time.Second).Equal(msg.NextAttemptAt), msg.NextAttemptAt.String())

	_, err = outbox.DeliverDue(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load(), "retry must wait for backoff")

	*now = now.Add(time.Second)
	_, err = outbox.DeliverDue(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())

	*now = now.Add(2 * time.Second)
	_, err = outbox.DeliverDue(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())

	msg, err = outbox.Message(ctx, common.Hash{1})
	require.NoError(t, err)
	require.Equal(t, DeliveryFailed, msg.Status)
	require.Equal(t, 3, msg.Attempts)
	require.Contains(t, msg.LastError, "502")

	pending, err := outbox.Pending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestOutboxGiveUpLogMasksEndpoint(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer endpoint.Close()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	outbox, err := NewOutbox(newOutboxDB(t), OutboxConfig{
		MaxAttempts: 1,
		Callbacks:   map[string]string{testContract.Hex(): endpoint.URL},
	}, log, nil)
	require.NoError(t, err)
	require.NoError(t, outbox.Dispatch(testMessage(4)))

	_, err = outbox.DeliverDue(context.Background())
	require.NoError(t, err)
	require.Contains(t, buf.String(), "giving up on callback")
	require.Contains(t, buf.String(), testContract.Hex())
	require.Contains(t, buf.String(), logging.RedactedValue)
	require.NotContains(t, buf.String(), endpoint.URL)
}

func TestOutboxUnroutableContractFails(t *testing.T) {
	outbox, _ := newTestOutbox(t, nil, 5)
	ctx := context.Background()
	require.NoError(t, outbox.Dispatch(testMessage(2)))
	_, err := outbox.DeliverDue(ctx)
	require.NoError(t, err)
	msg, err := outbox.Message(ctx, common.Hash{2})
	require.NoError(t, err)
	require.Equal(t, DeliveryFailed, msg.Status)
}

func TestOutboxRejectsSecondMessageForRequest(t *testing.T) {
	outbox, _ := newTestOutbox(t, nil, 5)
	require.NoError(t, outbox.Dispatch(testMessage(3)))
	require.Error(t, outbox.Dispatch(testMessage(3)))
}

func TestCallbackPayloadRoundTrip(t *testing.T) {
	payload := CallbackPayload{
		RequestID:  common.Hash{9}.Hex(),
		Sender:     testSender.Hex(),
		Contract:   testContract.Hex(),
		Function:   "onPrice",
		FinalData:  "50",
		ResolvedAt: 12,
	}
	msg, err := payload.Message()
	require.NoError(t, err)
	require.Equal(t, common.Hash{9}, msg.RequestID)
	require.Equal(t, uint64(50), msg.FinalData.Uint64())
	require.Equal(t, "onPrice", msg.Callback.Function)

	payload.RequestID = "0x1234"
	_, err = payload.Message()
	require.Error(t, err)
}

func TestSignatureVerification(t *testing.T) {
	body := []byte(`{"requestId":"0x01"}`)
	sig := SignPayload("secret", body)
	require.True(t, VerifySignature("secret", body, sig))
	require.False(t, VerifySignature("other", body, sig))
	require.False(t, VerifySignature("secret", append(body, ' '), sig))
	require.False(t, VerifySignature("secret", body, "zz"))
}

func TestBackoffDuration(t *testing.T) {
	require.Equal(t, time.Second, backoffDuration(0))
	require.Equal(t, time.Second, backoffDuration(1))
	require.Equal(t, 4*time.Second, backoffDuration(3))
	require.Equal(t, maxBackoff, backoffDuration(12))
	require.Equal(t, maxBackoff, backoffDuration(64))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "ab", truncate("abcd", 2))

	msg := strings.Repeat("a", 511) + "érror"
	out := truncate(msg, 512)
	require.True(t, utf8.ValidString(out))
	require.Len(t, out, 511)

	require.Equal(t, "", truncate("€", 2))
}
