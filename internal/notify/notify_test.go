package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, n Notification) {
	m.Called(ctx, n)
}

func TestBuilders(t *testing.T) {
	n := Error("Connection failed", "user rejected").For("0xABCdef")
	assert.Equal(t, LevelError, n.Level)
	assert.Equal(t, "Connection failed", n.Title)
	assert.Equal(t, "0xabcdef", n.Address)
	assert.WithinDuration(t, time.Now(), n.At, time.Second)

	assert.Equal(t, LevelSuccess, Success("a", "b").Level)
	assert.Equal(t, LevelInfo, Info("a", "b").Level)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	r.Notify(ctx, Info("one", ""))
	r.Notify(ctx, Error("two", ""))
	r.Notify(ctx, Error("three", ""))

	assert.Len(t, r.All(), 3)
	assert.Equal(t, "one", r.All()[0].Title)
	assert.Equal(t, 2, r.Count(LevelError))
	assert.Equal(t, 0, r.Count(LevelSuccess))

	r.Reset()
	assert.Empty(t, r.All())
}

func TestMulti_FansOutInOrder(t *testing.T) {
	first := new(mockNotifier)
	second := new(mockNotifier)
	n := Success("done", "")
	ctx := context.Background()

	var order []string
	first.On("Notify", ctx, n).Run(func(mock.Arguments) { order = append(order, "first") }).Once()
	second.On("Notify", ctx, n).Run(func(mock.Arguments) { order = append(order, "second") }).Once()

	Multi(first, nil, second).Notify(ctx, n)

	first.AssertExpectations(t)
	second.AssertExpectations(t)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	NewLogNotifier(logger).Notify(context.Background(), Error("Wallet disconnected", "provider gone").For("0xA"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "Wallet disconnected", line["title"])
	assert.Equal(t, "0xa", line["address"])
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { Nop.Notify(context.Background(), Info("x", "y")) })
}

func TestNATSPublisher(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)
	defer s.Shutdown()

	nc, err := ConnectNATS(s.ClientURL())
	require.NoError(t, err)

	sub, err := nc.SubscribeSync(DefaultSubjectPrefix + ".*")
	require.NoError(t, err)

	p := NewNATSPublisher(nc, "", slog.Default())
	assert.True(t, p.Ready())
	assert.Equal(t, "defiagents.notifications.error", p.Subject(LevelError))

	p.Notify(context.Background(), Error("Transaction failed", "reverted").For("0xabc"))
	require.NoError(t, nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "defiagents.notifications.error", msg.Subject)

	var got Notification
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "Transaction failed", got.Title)
	assert.Equal(t, "0xabc", got.Address)

	require.NoError(t, p.Close())
	assert.Eventually(t, func() bool { return nc.Status() == nats.CLOSED }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, p.Ready())
}

func TestConnectNATS_EmptyURL(t *testing.T) {
	_, err := ConnectNATS("")
	assert.EqualError(t, err, "nats url is required")
}

func TestNATSPublisher_NilConn(t *testing.T) {
	p := NewNATSPublisher(nil, "custom", slog.Default())
	assert.False(t, p.Ready())
	assert.Equal(t, "custom.info", p.Subject(LevelInfo))
	assert.NotPanics(t, func() { p.Notify(context.Background(), Info("x", "")) })
	assert.NoError(t, p.Close())
}
