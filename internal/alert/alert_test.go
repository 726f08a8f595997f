package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dispatchcore/internal/logging"
)

type recordingChannel struct {
	name string
	mu   sync.Mutex
	got  []Payload
}

func (r *recordingChannel) Name() string { return r.name }
func (r *recordingChannel) Send(_ context.Context, alert Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, alert)
	return nil
}

func (r *recordingChannel) received() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.got...)
}

func TestManager_RaiseFansOutToAllChannels(t *testing.T) {
	logger, err := logging.NewZapLogger("info")
	assert.NoError(t, err)

	mgr := NewManager(logger)
	a := &recordingChannel{name: "a"}
	b := &recordingChannel{name: "b"}
	mgr.AddChannel(a)
	mgr.AddChannel(b)

	mgr.Raise(context.Background(), "circuit breaker tripped", "too many rejections", Critical, map[string]string{"symbol": "BTC-USD"})

	assert.Eventually(t, func() bool {
		return len(a.received()) == 1 && len(b.received()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSlackChannel_EmptyWebhookIsNoop(t *testing.T) {
	ch := NewSlackChannel("")
	assert.NoError(t, ch.Send(context.Background(), Payload{Title: "t"}))
}

func TestTelegramChannel_EmptyCredentialsIsNoop(t *testing.T) {
	ch := NewTelegramChannel("", "")
	assert.NoError(t, ch.Send(context.Background(), Payload{Title: "t"}))
}
