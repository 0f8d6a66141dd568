package danmaku

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	roomID int64

	mu       sync.Mutex
	fn       func(RawMessage)
	closed   bool
	closeErr error

	once sync.Once
	done chan struct{}
}

func newFakeSub(roomID int64) *fakeSub {
	return &fakeSub{roomID: roomID, done: make(chan struct{})}
}

func (s *fakeSub) OnMessage(fn func(RawMessage)) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func (s *fakeSub) Done() <-chan struct{} { return s.done }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	err := s.closeErr
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return err
}

func (s *fakeSub) push(raw RawMessage) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fn != nil
}

type fakeTransport struct {
	mu      sync.Mutex
	subs    map[int64]*fakeSub
	failFor map[int64]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[int64]*fakeSub)}
}

func (t *fakeTransport) Connect(_ context.Context, roomID int64) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.failFor[roomID]; ok {
		return nil, err
	}
	sub := newFakeSub(roomID)
	t.subs[roomID] = sub
	return sub, nil
}

func (t *fakeTransport) sub(roomID int64) *fakeSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[roomID]
}

func startCollector(t *testing.T, c *Collector) chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()
	return errCh
}

func TestCollectorNormalizesMessages(t *testing.T) {
	tr := newFakeTransport()
	c := New([]int64{510, 92613}, map[int64]string{510: "#00ff00"}, 16, tr)

	errCh := startCollector(t, c)
	require.Eventually(t, func() bool {
		return tr.sub(510) != nil && tr.sub(510).ready() &&
			tr.sub(92613) != nil && tr.sub(92613).ready()
	}, time.Second, 5*time.Millisecond)

	tr.sub(510).push(RawMessage{Uname: "alice", Msg: "hi", TsMS: 1000})
	tr.sub(92613).push(RawMessage{Uname: "bob", Msg: "yo", TsMS: 2000})

	ctx := context.Background()
	first, err := c.Queue().Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(510), first.RoomID)
	assert.Equal(t, "alice", first.Uname)
	assert.Equal(t, "#00ff00", first.Color)

	second, err := c.Queue().Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(92613), second.RoomID)
	assert.Equal(t, DefaultColor, second.Color)

	c.Stop()
	require.NoError(t, <-errCh)
}

func TestCollectorStartBlocksUntilAllFeedsEnd(t *testing.T) {
	tr := newFakeTransport()
	c := New([]int64{1, 2}, nil, 16, tr)

	errCh := startCollector(t, c)
	require.Eventually(t, func() bool {
		return tr.sub(1) != nil && tr.sub(2) != nil
	}, time.Second, 5*time.Millisecond)

	tr.sub(1).Close()
	select {
	case <-errCh:
		t.Fatal("Start returned while one feed was still live")
	case <-time.After(50 * time.Millisecond):
	}

	tr.sub(2).Close()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after all feeds ended")
	}
}

func TestCollectorConnectFailureClosesEarlierSubscriptions(t *testing.T) {
	tr := newFakeTransport()
	tr.failFor = map[int64]error{2: errors.New("bridge unreachable")}
	c := New([]int64{1, 2, 3}, nil, 16, tr)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "room 2")
	require.NotNil(t, tr.sub(1))
	assert.True(t, tr.sub(1).isClosed())
	assert.Nil(t, tr.sub(3), "rooms after the failure must not be dialed")
}

func TestCollectorStopSwallowsCloseErrors(t *testing.T) {
	tr := newFakeTransport()
	c := New([]int64{1, 2}, nil, 16, tr)

	errCh := startCollector(t, c)
	require.Eventually(t, func() bool {
		return tr.sub(1) != nil && tr.sub(2) != nil
	}, time.Second, 5*time.Millisecond)

	tr.sub(1).mu.Lock()
	tr.sub(1).closeErr = errors.New("already gone")
	tr.sub(1).mu.Unlock()

	c.Stop()
	assert.True(t, tr.sub(1).isClosed())
	assert.True(t, tr.sub(2).isClosed())
	require.NoError(t, <-errCh)
}

func TestCollectorStopIdempotent(t *testing.T) {
	tr := newFakeTransport()
	c := New([]int64{1}, nil, 16, tr)

	errCh := startCollector(t, c)
	require.Eventually(t, func() bool { return tr.sub(1) != nil }, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
	require.NoError(t, <-errCh)
}

func TestCollectorOverflowKeepsNewest(t *testing.T) {
	tr := newFakeTransport()
	c := New([]int64{1}, nil, 2, tr)

	errCh := startCollector(t, c)
	require.Eventually(t, func() bool {
		return tr.sub(1) != nil && tr.sub(1).ready()
	}, time.Second, 5*time.Millisecond)

	for i := int64(1); i <= 4; i++ {
		tr.sub(1).push(RawMessage{Msg: "m", TsMS: i})
	}

	ctx := context.Background()
	e, err := c.Queue().Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.TsMS)
	e, err = c.Queue().Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.TsMS)

	c.Stop()
	require.NoError(t, <-errCh)
}
