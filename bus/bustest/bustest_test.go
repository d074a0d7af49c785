package bustest

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomrelay/bus"
	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b", false},
		{"a.*.c", "a.x.c", true},
		{"a.*", "a.x.c", false},
		{"a.>", "a.x.c", true},
		{"a.>", "a", false},
		{"dicom.relay.*", "dicom.relay.7", true},
		{"dicom.relay.*", "dicom.relay.7.1.0", false},
		{"dicom.relay.7.>", "dicom.relay.7.1.3.EOF", true},
		{"dicom.relay.7.>", "dicom.relay.70.RELEASE", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.subject, func(t *testing.T) {
			got := Match(strings.Split(tt.pattern, "."), strings.Split(tt.subject, "."))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBus_DeliversInOrder(t *testing.T) {
	b := New()
	defer b.Close()

	got := make(chan string, 10)
	_, err := b.Subscribe("x.>", func(msg *bus.Msg) { got <- string(msg.Data) })
	require.NoError(t, err)

	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish("x.y", []byte(s)))
	}
	for _, want := range []string{"1", "2", "3"} {
		select {
		case s := <-got:
			assert.Equal(t, want, s)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
}

func TestBus_RequestReply(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Subscribe("svc.*", func(msg *bus.Msg) {
		_ = msg.Respond([]byte("pong:" + string(msg.Data)))
	})
	require.NoError(t, err)

	reply, err := b.Request(context.Background(), "svc.ping", []byte("1"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong:1", string(reply))
	assert.Equal(t, 1, b.Subscriptions(), "inbox not removed")
}

func TestBus_RequestTimeouts(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Request(context.Background(), "nobody", nil, time.Second)
	assert.ErrorIs(t, err, dicomerrors.ErrTransportTimeout)

	_, err = b.Subscribe("silent", func(*bus.Msg) {})
	require.NoError(t, err)
	_, err = b.Request(context.Background(), "silent", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, dicomerrors.ErrTransportTimeout)
}

func TestBus_QueueGroupPicksOneMember(t *testing.T) {
	b := New()
	defer b.Close()

	var count atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := b.QueueSubscribe("q.*", "workers", func(msg *bus.Msg) {
			count.Add(1)
			_ = msg.Respond(nil)
		})
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		_, err := b.Request(context.Background(), "q.x", nil, time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(5), count.Load())
}

func TestBus_UnsubscribeFromHandler(t *testing.T) {
	b := New()
	defer b.Close()

	var calls atomic.Int32
	var sub bus.Subscription
	done := make(chan struct{})
	sub, err := b.Subscribe("once", func(*bus.Msg) {
		calls.Add(1)
		_ = sub.Unsubscribe()
		close(done)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish("once", nil))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
	require.NoError(t, b.Publish("once", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, b.Subscriptions())
}

func TestBus_Closed(t *testing.T) {
	b := New()
	b.Close()

	assert.ErrorIs(t, b.Publish("x", nil), dicomerrors.ErrBusDisconnected)
	_, err := b.Subscribe("x", func(*bus.Msg) {})
	assert.ErrorIs(t, err, dicomerrors.ErrBusDisconnected)
}
