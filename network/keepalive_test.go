package network

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeepAlive(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "test-conn", nil)
	ka := NewKeepAlive(conn, KeepAliveConfig{Interval: time.Second})
	require.NotNil(t, ka)
	defer ka.Stop()
}

func TestKeepAliveZeroIntervalNeverTimesOut(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "test-conn", nil)
	var fired atomic.Bool
	ka := NewKeepAlive(conn, KeepAliveConfig{Interval: 0, OnTimeout: func(*Connection) { fired.Store(true) }})

	ka.Start()
	time.Sleep(30 * time.Millisecond)
	ka.Stop()

	assert.False(t, fired.Load())
}

func TestKeepAliveFiresAfterSilence(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "test-conn", nil)
	fired := make(chan struct{})
	ka := NewKeepAlive(conn, KeepAliveConfig{
		Interval:  20 * time.Millisecond,
		OnTimeout: func(*Connection) { close(fired) },
	})

	ka.Start()
	defer ka.Stop()

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("keep-alive never fired")
	}
}

func TestKeepAliveActivityResetsClock(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "test-conn", nil)
	var fired atomic.Bool
	ka := NewKeepAlive(conn, KeepAliveConfig{
		Interval:  30 * time.Millisecond,
		OnTimeout: func(*Connection) { fired.Store(true) },
	})

	ka.Start()
	defer ka.Stop()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.updateActivity()
			case <-stop:
				return
			}
		}
	}()
	time.Sleep(100 * time.Millisecond)
	close(stop)

	assert.False(t, fired.Load())
}

func TestKeepAliveConnectionCloseStopsWatch(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	conn := NewConnection(server, "test-conn", nil)
	ka := NewKeepAlive(conn, KeepAliveConfig{Interval: 20 * time.Millisecond})

	ka.Start()
	time.Sleep(5 * time.Millisecond)
	conn.Close()
	ka.Stop()
}

func TestNewKeepAliveManager(t *testing.T) {
	kam := NewKeepAliveManager(nil)
	require.NotNil(t, kam)
	defer kam.Close()
}

func TestKeepAliveManagerAdd(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "test-conn", nil)
	kam := NewKeepAliveManager(nil)
	defer kam.Close()

	ka := kam.Add(conn, time.Second)
	require.NotNil(t, ka)

	retrieved, ok := kam.Get(conn.ID())
	assert.True(t, ok)
	assert.Equal(t, ka, retrieved)
}

func TestKeepAliveManagerRemove(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "test-conn", nil)
	kam := NewKeepAliveManager(nil)
	defer kam.Close()

	kam.Add(conn, time.Second)
	kam.Remove(conn.ID())

	_, ok := kam.Get(conn.ID())
	assert.False(t, ok)
}

func TestKeepAliveManagerGetNonExistent(t *testing.T) {
	kam := NewKeepAliveManager(nil)
	defer kam.Close()

	_, ok := kam.Get("non-existent")
	assert.False(t, ok)
}

func TestKeepAliveManagerClose(t *testing.T) {
	kam := NewKeepAliveManager(nil)

	for i := 0; i < 3; i++ {
		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()
		conn := NewConnection(server, fmt.Sprintf("conn-%d", i), nil)
		kam.Add(conn, time.Second)
	}

	kam.Close()

	_, ok := kam.Get("conn-0")
	assert.False(t, ok)
}

func TestKeepAliveManagerTimeoutCallback(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	timedOut := make(chan string, 1)
	kam := NewKeepAliveManager(func(c *Connection) { timedOut <- c.ID() })
	defer kam.Close()

	conn := NewConnection(server, "test-conn", nil)
	kam.Add(conn, 20*time.Millisecond)

	select {
	case id := <-timedOut:
		assert.Equal(t, "test-conn", id)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("keep-alive manager never reported timeout")
	}
}
