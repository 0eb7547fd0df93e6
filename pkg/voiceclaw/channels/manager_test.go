package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	name       string
	connectErr error

	in  chan *IncomingMessage
	cbs chan *CallbackQuery

	mu   sync.Mutex
	sent []string
}

func newStub(name string) *stubChannel {
	return &stubChannel{name: name, in: make(chan *IncomingMessage, 4), cbs: make(chan *CallbackQuery, 4)}
}

func (s *stubChannel) Name() string                     { return s.name }
func (s *stubChannel) Connect(context.Context) error    { return s.connectErr }
func (s *stubChannel) Disconnect() error                { return nil }
func (s *stubChannel) Receive() <-chan *IncomingMessage { return s.in }
func (s *stubChannel) Callbacks() <-chan *CallbackQuery { return s.cbs }
func (s *stubChannel) IsConnected() bool                { return s.connectErr == nil }
func (s *stubChannel) Health() HealthStatus             { return HealthStatus{Connected: s.IsConnected()} }
func (s *stubChannel) Send(_ context.Context, to string, m *OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to+":"+m.Content)
	return nil
}

func TestManagerMergesChannels(t *testing.T) {
	t.Parallel()
	a, b := newStub("a"), newStub("b")
	m := NewManager(nil)
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))
	assert.Error(t, m.Register(newStub("a")))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	a.in <- &IncomingMessage{Channel: "a", Content: "from a"}
	b.cbs <- &CallbackQuery{Channel: "b", Data: "approve:x"}

	select {
	case msg := <-m.Messages():
		assert.Equal(t, "from a", msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	select {
	case cb := <-m.Callbacks():
		assert.Equal(t, "approve:x", cb.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no callback")
	}

	require.NoError(t, m.Send(context.Background(), "b", "chat", &OutgoingMessage{Content: "hi"}))
	assert.Equal(t, []string{"chat:hi"}, b.sent)
	assert.ErrorIs(t, m.Send(context.Background(), "zzz", "chat", &OutgoingMessage{}), ErrUnknownChannel)

	assert.ErrorIs(t, m.SendMedia(context.Background(), "a", "chat", &MediaMessage{}), ErrMediaNotSupported)
	require.NoError(t, m.EditMessage(context.Background(), "a", "chat", "1", "edited"))
	assert.Equal(t, []string{"chat:edited"}, a.sent, "non-interactive channels get a new message")
	assert.Len(t, m.HealthAll(), 2)
}

func TestManagerStartFailures(t *testing.T) {
	t.Parallel()
	assert.Error(t, NewManager(nil).Start(context.Background()))

	broken := newStub("broken")
	broken.connectErr = errors.New("no token")
	m := NewManager(nil)
	require.NoError(t, m.Register(broken))
	assert.Error(t, m.Start(context.Background()))

	ok := newStub("ok")
	m2 := NewManager(nil)
	require.NoError(t, m2.Register(broken))
	require.NoError(t, m2.Register(ok))
	require.NoError(t, m2.Start(context.Background()))
	m2.Stop()
}
