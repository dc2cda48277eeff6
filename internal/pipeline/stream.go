package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedflow/config"
	"feedflow/internal/metrics"
	"feedflow/internal/reliability"
	"feedflow/internal/rotation"
	"feedflow/internal/store"
	"feedflow/logger"
	"feedflow/models"
	"feedflow/processor"
	"feedflow/reader"
)

// Joiner is the part of the stream client the subscriber drives.
type Joiner interface {
	Join(channel string) error
	Leave(channel string) error
	Connected() bool
}

// Subscriber maps a rotation slot's symbol onto the per-symbol channels of the
// current stream definition.
type Subscriber struct {
	client    Joiner
	snapshots *config.Store
}

func NewSubscriber(client Joiner, snapshots *config.Store) *Subscriber {
	return &Subscriber{client: client, snapshots: snapshots}
}

// Subscribe joins every per-symbol channel. When all of them were already
// joined the subscription is reported as a duplicate. A failed join leaves the
// channels this call joined before returning the error.
func (s *Subscriber) Subscribe(ctx context.Context, symbol, requestID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	channels := s.snapshots.Load().Stream.SymbolChannels()
	if len(channels) == 0 {
		return nil
	}
	dup := 0
	var joined []string
	for _, ch := range channels {
		name := reader.SymbolChannel(ch.Name, symbol)
		err := s.client.Join(name)
		switch {
		case err == nil:
			joined = append(joined, name)
		case errors.Is(err, reader.ErrAlreadyJoined):
			dup++
		default:
			// the slot goes back to idle, so nothing may stay joined upstream
			for _, j := range joined {
				s.client.Leave(j)
			}
			return fmt.Errorf("subscribe %s (%s): %w", symbol, requestID, err)
		}
	}
	if dup == len(channels) {
		return rotation.ErrDuplicateSubscription
	}
	return nil
}

// Unsubscribe leaves every per-symbol channel. Channels that were not joined
// are skipped.
func (s *Subscriber) Unsubscribe(ctx context.Context, symbol, requestID string) error {
	var first error
	for _, ch := range s.snapshots.Load().Stream.SymbolChannels() {
		err := s.client.Leave(reader.SymbolChannel(ch.Name, symbol))
		if err != nil && !errors.Is(err, reader.ErrNotJoined) && first == nil {
			first = fmt.Errorf("unsubscribe %s (%s): %w", symbol, requestID, err)
		}
	}
	return first
}

// Runnable blocks until its context ends.
type Runnable interface {
	Run(ctx context.Context) error
}

// RunStream runs the stream client and the rotation runner until ctx ends.
// The client gets its own context, cancelled only after the runner has
// returned, so the runner's drain still has a connection to send leaves on.
func RunStream(ctx context.Context, client, runner Runnable) error {
	clientCtx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	clientDone := make(chan error, 1)
	go func() { clientDone <- client.Run(clientCtx) }()

	err := runner.Run(ctx)
	cancelClient()
	if cerr := <-clientDone; err == nil {
		err = cerr
	}
	return err
}

// StreamHandler persists streamed messages and keeps the streaming source's
// heartbeat. Its methods are the reader.Hooks of the stream client.
type StreamHandler struct {
	snapshots  *config.Store
	store      *store.Store
	monitor    *reliability.Monitor
	transforms *processor.Registry
	metrics    *metrics.Metrics
	rotation   *rotation.Controller
	timeout    time.Duration
	log        *logger.Log
}

func NewStreamHandler(deps Deps, timeout time.Duration) *StreamHandler {
	if deps.Transforms == nil {
		deps.Transforms = processor.Default()
	}
	if deps.Log == nil {
		deps.Log = logger.GetLogger()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &StreamHandler{
		snapshots:  deps.Snapshots,
		store:      deps.Store,
		monitor:    deps.Monitor,
		transforms: deps.Transforms,
		metrics:    deps.Metrics,
		rotation:   deps.Rotation,
		timeout:    timeout,
		log:        deps.Log,
	}
}

// Hooks returns the callbacks to install on the stream client.
func (h *StreamHandler) Hooks() reader.Hooks {
	return reader.Hooks{
		OnMessage:    h.OnMessage,
		OnConnect:    h.OnConnect,
		OnDisconnect: h.OnDisconnect,
	}
}

func (h *StreamHandler) source() string {
	return h.snapshots.Load().Stream.Source
}

func (h *StreamHandler) OnConnect(now time.Time) {
	h.alive(h.source(), now)
}

// alive records live traffic. Once the cooldown has passed the traffic is the
// probe, so an open stream circuit closes without waiting for the rotation gate.
func (h *StreamHandler) alive(source string, now time.Time) {
	h.monitor.Allow(source, now)
	h.monitor.RecordSuccess(source, now)
}

// OnDisconnect counts the drop against the source and forgets every slot
// subscription, since the upstream drops them with the connection.
func (h *StreamHandler) OnDisconnect(err error, now time.Time) {
	reason := "stream disconnected"
	if err != nil {
		reason = err.Error()
	}
	h.monitor.RecordFailure(h.source(), now, reason)
	if h.rotation != nil {
		h.rotation.Reset(now)
		if h.metrics != nil {
			h.metrics.SetActiveSlots(0)
		}
	}
}

// OnMessage transforms and persists one message.
func (h *StreamHandler) OnMessage(msg reader.Message) {
	snap := h.snapshots.Load()
	spec := snap.Stream
	log := h.log.WithComponent("stream_handler").WithFields(logger.Fields{
		"channel": msg.Base,
		"symbol":  msg.Symbol,
	})

	ch, ok := spec.Channel(msg.Base)
	if !ok {
		metrics.EmitDropMetric(h.log, metrics.DropMetricStream, spec.Source, msg.Base, msg.Symbol, "route")
		log.Debug("message for unconfigured channel dropped")
		return
	}
	now := msg.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	h.alive(spec.Source, now)
	if h.metrics != nil {
		h.metrics.ObserveStreamMessage(ch.Stream)
	}

	if h.monitor.State(reliability.StoreSource) == models.CircuitOpen {
		metrics.EmitDropMetric(h.log, metrics.DropMetricStream, spec.Source, ch.Stream, msg.Symbol, "store_open")
		return
	}

	payload, err := h.transforms.Apply(spec.Transform, processor.Input{
		Endpoint: ch.Stream,
		Symbol:   msg.Symbol,
		Channel:  msg.Base,
		Payload:  msg.Payload,
	})
	if err != nil {
		metrics.EmitDropMetric(h.log, metrics.DropMetricSchema, spec.Source, ch.Stream, msg.Symbol, "transform")
		log.WithError(err).Warn("stream payload rejected")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	rec, err := h.store.Persist(ctx, models.PersistedRecord{
		Key:       spec.Key(ch.Stream, msg.Symbol),
		Payload:   payload,
		FetchedAt: now,
	}, spec.WriteOptions())
	switch {
	case err == nil:
		h.monitor.RecordSuccess(reliability.StoreSource, now)
		h.observePersist(metrics.OutcomeSuccess)
	case errors.Is(err, store.ErrMalformedPayload):
		metrics.EmitDropMetric(h.log, metrics.DropMetricSchema, spec.Source, ch.Stream, msg.Symbol, "persist")
		log.WithError(err).Warn("stream payload rejected by store")
	default:
		h.monitor.RecordFailure(reliability.StoreSource, now, err.Error())
		h.observePersist(metrics.OutcomeDropped)
		logger.IncrementDropped()
		metrics.EmitDropMetric(h.log, metrics.DropMetricPersist, spec.Source, ch.Stream, msg.Symbol, "persist")
		h.monitor.Alert(models.AlertEvent{
			Kind:   models.AlertPersistenceDropped,
			Source: reliability.StoreSource,
			Key:    rec.Key,
			Reason: err.Error(),
			At:     now,
		})
		log.WithError(err).Error("stream record dropped after persistence retries")
	}
}

func (h *StreamHandler) observePersist(outcome string) {
	if h.metrics != nil {
		h.metrics.ObservePersist(outcome)
	}
}

// RotationGate admits a new subscription only while the stream is connected
// and its circuit allows work.
func RotationGate(client Joiner, monitor *reliability.Monitor, source func() string) rotation.Gate {
	return func(now time.Time) bool {
		if !client.Connected() {
			return false
		}
		return monitor.Allow(source(), now)
	}
}

// RotationObserver feeds subscription outcomes into the streaming source's
// breaker and the slot gauge.
func RotationObserver(ctrl *rotation.Controller, monitor *reliability.Monitor, m *metrics.Metrics, source func() string) rotation.Observer {
	return func(a rotation.Action, err error, now time.Time) {
		if a.Op == rotation.OpSubscribe {
			switch {
			case err == nil || errors.Is(err, rotation.ErrDuplicateSubscription):
				monitor.RecordSuccess(source(), now)
			case errors.Is(err, reader.ErrNotConnected):
				monitor.ReleaseProbe(source())
			default:
				monitor.RecordFailure(source(), now, err.Error())
			}
		}
		if m != nil {
			m.SetActiveSlots(len(ctrl.Active()))
		}
	}
}
