package transport_test

import (
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitestlab/monitor/internal/transport"
	"github.com/aitestlab/monitor/internal/transport/transporttest"
)

func TestBinding(t *testing.T) {
	t.Run("tracks connect and disconnect", func(t *testing.T) {
		d := transporttest.NewDialer()
		reg := newRegistry(t, d, 5)

		b := transport.Bind(reg, transport.NamespaceOnlineTest, nil)
		defer b.Close()
		conn := d.NextConn(t)
		require.Eventually(t, b.Connected, waitFor, tick)

		_ = conn.Close()
		require.Eventually(t, func() bool { return !b.Connected() }, waitFor, tick)
		d.NextConn(t)
		require.Eventually(t, b.Connected, waitFor, tick)
	})

	t.Run("reflects a connection opened by an earlier consumer", func(t *testing.T) {
		d := transporttest.NewDialer()
		reg := newRegistry(t, d, 5)
		ch := reg.GetChannel(transport.NamespaceOnlineTest)
		d.NextConn(t)
		require.Eventually(t, ch.Connected, waitFor, tick)

		b := transport.Bind(reg, transport.NamespaceOnlineTest, nil)
		defer b.Close()
		assert.True(t, b.Connected())
	})

	t.Run("captures connect errors", func(t *testing.T) {
		d := transporttest.NewDialer()
		d.Fail(1)
		reg := newRegistry(t, d, 5)

		b := transport.Bind(reg, transport.NamespaceOnlineTest, nil)
		defer b.Close()
		require.Eventually(t, func() bool { return b.Err() != nil }, waitFor, tick)
		assert.Contains(t, b.Err().Error(), "connection refused")

		d.NextConn(t)
		require.Eventually(t, b.Connected, waitFor, tick)
		assert.NoError(t, b.Err())
	})

	t.Run("inherits the error of a channel that gave up", func(t *testing.T) {
		d := transporttest.NewDialer()
		d.Fail(100)
		reg := newRegistry(t, d, 1)
		ch := reg.GetChannel(transport.NamespaceOnlineTest)
		require.Eventually(t, func() bool { return d.Dials() >= 2 }, waitFor, tick)
		require.Eventually(t, func() bool { return ch.LastError() != nil }, waitFor, tick)

		b := transport.Bind(reg, transport.NamespaceOnlineTest, nil)
		defer b.Close()
		assert.False(t, b.Connected())
		require.Error(t, b.Err())
		assert.Contains(t, b.Err().Error(), "connection refused")
	})

	t.Run("close releases only its own subscriptions", func(t *testing.T) {
		d := transporttest.NewDialer()
		reg := newRegistry(t, d, 5)

		var mine, other atomic.Int32
		b := transport.Bind(reg, transport.NamespaceOnlineTest, nil)
		b.On("progress:updated", func(json.RawMessage) { mine.Add(1) })
		reg.On(transport.NamespaceOnlineTest, "progress:updated", func(json.RawMessage) { other.Add(1) })
		conn := d.NextConn(t)

		conn.Push("progress:updated", `{"userId":"1","progress":10}`)
		require.Eventually(t, func() bool { return mine.Load() == 1 && other.Load() == 1 }, waitFor, tick)

		b.Close()
		b.Close()
		conn.Push("progress:updated", `{"userId":"1","progress":20}`)
		require.Eventually(t, func() bool { return other.Load() == 2 }, waitFor, tick)
		assert.Equal(t, int32(1), mine.Load())

		ch := reg.GetChannel(transport.NamespaceOnlineTest)
		assert.True(t, ch.Connected())
		assert.True(t, b.Emit("pause:test", map[string]string{"testId": "t"}))
	})

	t.Run("unconfigured registry never connects", func(t *testing.T) {
		reg := transport.NewRegistry(transport.Options{}, nil)
		b := transport.Bind(reg, transport.NamespaceOnlineTest, nil)
		defer b.Close()
		assert.False(t, b.Connected())
		assert.False(t, b.Emit("join:online:test", nil))
	})
}
