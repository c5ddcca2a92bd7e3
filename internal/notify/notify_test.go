package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
	done chan struct{}
}

func (r *recordingSender) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	r.sent = append(r.sent, m)
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
	return r.err
}

type blockingSender struct {
	release chan struct{}
}

func (b *blockingSender) Send(ctx context.Context, _ Message) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestDispatcher_Delivers(t *testing.T) {
	s := &recordingSender{done: make(chan struct{}, 4)}
	d := NewDispatcher(s, zap.NewNop(), Options{QueueSize: 4, Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.True(t, d.Enqueue(Message{Kind: KindPaymentConfirmed, OrderID: "o1", To: "+970", Body: "paid"}))
	require.True(t, d.Enqueue(Message{Kind: KindOrderStatus, OrderID: "o2", To: "+970", Body: "shipped"}))

	for range 2 {
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			t.Fatal("message not delivered")
		}
	}
	cancel()
	require.NoError(t, <-errCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.sent, 2)
}

func TestDispatcher_SendErrorDoesNotStopWorkers(t *testing.T) {
	s := &recordingSender{err: errors.New("provider down"), done: make(chan struct{}, 4)}
	d := NewDispatcher(s, zap.NewNop(), Options{QueueSize: 4, Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.Enqueue(Message{OrderID: "o1"})
	d.Enqueue(Message{OrderID: "o2"})
	for range 2 {
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker stopped after send error")
		}
	}
}

func TestDispatcher_EnqueueNeverBlocks(t *testing.T) {
	b := &blockingSender{release: make(chan struct{})}
	d := NewDispatcher(b, zap.NewNop(), Options{QueueSize: 1, Workers: 1})

	// Without running workers the queue holds exactly one message.
	assert.True(t, d.Enqueue(Message{OrderID: "o1"}))

	done := make(chan bool, 1)
	go func() { done <- d.Enqueue(Message{OrderID: "o2"}) }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	close(b.release)
}

func TestSMSSender_Send(t *testing.T) {
	var (
		gotAuth string
		gotTo   string
		gotMsg  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		d := jx.Decode(r.Body, 256)
		err := d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "to":
				v, err := d.Str()
				gotTo = v
				return err
			case "message":
				v, err := d.Str()
				gotMsg = v
				return err
			default:
				return d.Skip()
			}
		})
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSMSSender(srv.URL, "secret", "SHOP", time.Second)
	err := s.Send(context.Background(), Message{To: "+970599000000", Body: "Payment received"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "+970599000000", gotTo)
	assert.Equal(t, "Payment received", gotMsg)
}

func TestSMSSender_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSMSSender(srv.URL, "", "", time.Second)
	err := s.Send(context.Background(), Message{To: "+970", Body: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
