package writer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedflow/config"
	"feedflow/models"
)

type fakeMessageWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (f *fakeMessageWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("leader not available")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeMessageWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMessageWriter) messages() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...)
}

func TestNewKafkaAlertsValidation(t *testing.T) {
	_, err := NewKafkaAlerts(config.KafkaConfig{Topic: "t"}, 1, nil)
	assert.Error(t, err)
	_, err = NewKafkaAlerts(config.KafkaConfig{Brokers: []string{"localhost:9092"}}, 1, nil)
	assert.Error(t, err)

	k, err := NewKafkaAlerts(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "feedflow.alerts"}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "feedflow.alerts", k.topic)
}

func TestKafkaAlertsPublishesAndDrains(t *testing.T) {
	w := &fakeMessageWriter{}
	k := newKafkaAlerts(w, "feedflow.alerts", 4, nil)
	at := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

	k.Emit(models.AlertEvent{ID: "a1", Kind: models.AlertCircuitTransition, Source: "rest", NewState: "OPEN", At: at})
	k.Emit(models.AlertEvent{ID: "a2", Kind: models.AlertPersistenceDropped, Source: "store", Key: "uw:rest:x", At: at})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	k.Run(ctx)

	msgs := w.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "rest", string(msgs[0].Key))
	var ev models.AlertEvent
	require.NoError(t, json.Unmarshal(msgs[1].Value, &ev))
	assert.Equal(t, "a2", ev.ID)
	assert.Equal(t, "uw:rest:x", ev.Key)
	assert.Equal(t, string(models.AlertPersistenceDropped), string(msgs[1].Headers[0].Value))
	assert.True(t, w.closed)
	assert.Equal(t, int64(2), k.Stats().Delivered)
}

func TestKafkaAlertsDropsWhenFull(t *testing.T) {
	k := newKafkaAlerts(&fakeMessageWriter{}, "t", 1, nil)
	k.Emit(models.AlertEvent{ID: "a1"})
	k.Emit(models.AlertEvent{ID: "a2"})
	assert.Equal(t, int64(1), k.Dropped())
	assert.Equal(t, int64(1), k.Stats().Dropped)
}

func TestKafkaAlertsCountsWriteErrors(t *testing.T) {
	w := &fakeMessageWriter{fail: true}
	k := newKafkaAlerts(w, "t", 2, nil)
	k.Emit(models.AlertEvent{ID: "a1", Source: "rest"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	k.Run(ctx)

	assert.Empty(t, w.messages())
	assert.Equal(t, int64(1), k.Stats().Errors)
}
