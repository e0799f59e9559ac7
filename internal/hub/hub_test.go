package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/specboard/internal/models"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
	block  chan struct{} // when non-nil, writes wait until it is closed

	// released marks the conn as handed back; later calls count as late.
	released atomic.Bool
	late     atomic.Int32
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.released.Load() {
		c.late.Add(1)
	}
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error {
	if c.released.Load() {
		c.late.Add(1)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) envelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) types() []string {
	var out []string
	for _, e := range c.envelopes() {
		out = append(out, e.Type)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeSource struct {
	projects []models.ProjectState
}

func (s *fakeSource) Snapshot() []models.ProjectState       { return s.projects }
func (s *fakeSource) ActiveSessions() []models.ActiveSession { return nil }

type nilSource struct{}

func (nilSource) Snapshot() []models.ProjectState       { return nil }
func (nilSource) ActiveSessions() []models.ActiveSession { return nil }

func threeProjects() *fakeSource {
	return &fakeSource{projects: []models.ProjectState{
		{ID: "a", Name: "alpha", Path: "/p/alpha"},
		{ID: "b", Name: "beta", Path: "/p/beta"},
		{ID: "c", Name: "gamma", Path: "/p/gamma"},
	}}
}

func TestHub_InitialBeforeUpdates(t *testing.T) {
	h := New(threeProjects(), Options{Username: "dev"}, zerolog.Nop())
	defer h.Close()

	conn := &fakeConn{}
	h.Connect(conn)
	h.Broadcast("update", map[string]any{"projectId": "a"})

	require.Eventually(t, func() bool { return len(conn.types()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{MsgInitial, "update"}, conn.types())

	frames := conn.envelopes()
	raw, err := json.Marshal(frames[0].Data)
	require.NoError(t, err)
	var initial InitialPayload
	require.NoError(t, json.Unmarshal(raw, &initial))
	assert.Len(t, initial.Projects, 3)
	assert.Equal(t, "dev", initial.Username)
	assert.NotNil(t, initial.ActiveSessions)
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	h := New(nil, Options{}, zerolog.Nop())
	defer h.Close()

	a, b := &fakeConn{}, &fakeConn{}
	h.Connect(a)
	h.Connect(b)
	assert.Equal(t, 2, h.Count())

	h.Broadcast("git-update", map[string]any{"projectId": "x"})
	for _, c := range []*fakeConn{a, b} {
		require.Eventually(t, func() bool { return len(c.types()) == 2 }, time.Second, 10*time.Millisecond)
		assert.Equal(t, "git-update", c.types()[1])
	}
}

func TestHub_FailedClientRemoved(t *testing.T) {
	h := New(nil, Options{}, zerolog.Nop())
	defer h.Close()

	bad := &fakeConn{fail: true}
	good := &fakeConn{}
	h.Connect(bad)
	h.Connect(good)

	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, bad.isClosed())

	h.Broadcast("update", nil)
	require.Eventually(t, func() bool { return len(good.types()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestHub_SlowClientDoesNotBlockOthers(t *testing.T) {
	h := New(nil, Options{QueueSize: 64}, zerolog.Nop())
	defer h.Close()

	slow := &fakeConn{block: make(chan struct{})}
	fast := &fakeConn{}
	h.Connect(slow)
	h.Connect(fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			h.Broadcast("update", map[string]any{"seq": i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on slow client")
	}
	require.Eventually(t, func() bool { return len(fast.types()) == 51 }, time.Second, 10*time.Millisecond)
	close(slow.block)
}

func TestHub_OverflowResyncs(t *testing.T) {
	h := New(threeProjects(), Options{QueueSize: 2}, zerolog.Nop())
	defer h.Close()

	conn := &fakeConn{block: make(chan struct{})}
	c := h.Connect(conn)

	// The writer holds the initial frame in flight; fill the queue past its limit.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.queue) == 0
	}, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		h.Broadcast("update", map[string]any{"seq": i})
	}
	close(conn.block)
	h.Broadcast("update", map[string]any{"seq": "final"})

	require.Eventually(t, func() bool {
		types := conn.types()
		return len(types) >= 3 && types[len(types)-1] == "update"
	}, time.Second, 10*time.Millisecond)

	types := conn.types()
	assert.Equal(t, MsgInitial, types[0])
	assert.Contains(t, types[1:], MsgInitial)
	assert.Less(t, len(types), 6)
}

func TestHub_DisconnectIdempotent(t *testing.T) {
	h := New(nil, Options{}, zerolog.Nop())
	conn := &fakeConn{}
	c := h.Connect(conn)

	h.Disconnect(c)
	h.Disconnect(c)
	assert.Equal(t, 0, h.Count())
	assert.True(t, conn.isClosed())

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
	h.Close()
}

func TestHub_InitialNeverCarriesNullLists(t *testing.T) {
	h := New(nilSource{}, Options{}, zerolog.Nop())
	defer h.Close()

	conn := &fakeConn{}
	h.Connect(conn)
	require.Eventually(t, func() bool { return len(conn.types()) == 1 }, time.Second, 10*time.Millisecond)

	conn.mu.Lock()
	raw := string(conn.frames[0])
	conn.mu.Unlock()
	assert.Contains(t, raw, `"projects":[]`)
	assert.Contains(t, raw, `"activeSessions":[]`)
}

func TestHub_ReleaseWaitsForWriter(t *testing.T) {
	h := New(threeProjects(), Options{QueueSize: 8}, zerolog.Nop())
	defer h.Close()

	stop := make(chan struct{})
	var flood sync.WaitGroup
	flood.Add(1)
	go func() {
		defer flood.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.Broadcast("update", map[string]any{"projectId": "a"})
			}
		}
	}()

	conns := make([]*fakeConn, 0, 200)
	for i := 0; i < 200; i++ {
		conn := &fakeConn{}
		c := h.Connect(conn)
		h.Release(c)
		conn.released.Store(true)
		conns = append(conns, conn)
	}
	close(stop)
	flood.Wait()

	for _, conn := range conns {
		assert.Zero(t, conn.late.Load())
	}
	assert.Equal(t, 0, h.Count())
}
