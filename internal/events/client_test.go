package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnection mimics the close notification behaviour of *amqp.Connection.
type fakeConnection struct {
	mu     sync.Mutex
	closes []chan *amqp.Error
	closed bool
}

func (f *fakeConnection) Channel() (*amqp.Channel, error) {
	return nil, nil
}

func (f *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(receiver)
	} else {
		f.closes = append(f.closes, receiver)
	}
	return receiver
}

func (f *fakeConnection) Close() error {
	f.shutdown(nil)
	return nil
}

// drop simulates the broker closing the connection.
func (f *fakeConnection) drop() {
	f.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})
}

func (f *fakeConnection) shutdown(err *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, ch := range f.closes {
		if err != nil {
			ch <- err
		}
		close(ch)
	}
}

// fakeDialer hands out connections, failing while fail is set.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConnection
	dials int
	fail  int
}

func (d *fakeDialer) dial(url string) (connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	conn := &fakeConnection{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) state() (dials, conns int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials, len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func fastRetry() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	client, err := newClient("amqp://test", d.dial, fastRetry, zerolog.Nop())
	require.NoError(t, err)

	d.mu.Lock()
	d.fail = 2
	d.mu.Unlock()
	d.conn(0).drop()

	require.Eventually(t, func() bool {
		if _, conns := d.state(); conns < 2 {
			return false
		}
		client.mu.RLock()
		defer client.mu.RUnlock()
		return client.conn == connection(d.conn(1))
	}, 2*time.Second, 5*time.Millisecond)

	dials, _ := d.state()
	assert.Equal(t, 4, dials, "initial dial, two refused, one accepted")

	require.NoError(t, client.Close())
	dials, _ = d.state()
	assert.Equal(t, 4, dials, "closing does not trigger a redial")
}

func TestClient_CloseStopsReconnecting(t *testing.T) {
	d := &fakeDialer{}
	client, err := newClient("amqp://test", d.dial, fastRetry, zerolog.Nop())
	require.NoError(t, err)

	d.mu.Lock()
	d.fail = 1 << 30
	d.mu.Unlock()
	d.conn(0).drop()

	assert.Eventually(t, func() bool {
		dials, _ := d.state()
		return dials > 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	after, _ := d.state()
	time.Sleep(20 * time.Millisecond)
	dials, conns := d.state()
	assert.Equal(t, after, dials)
	assert.Equal(t, 1, conns)
}

func TestNewClient_DialFailure(t *testing.T) {
	d := &fakeDialer{fail: 1}
	_, err := newClient("amqp://test", d.dial, fastRetry, zerolog.Nop())
	assert.Error(t, err)
}
