package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trackvision/tv-epcis-repository/encode"
	"github.com/trackvision/tv-epcis-repository/logger"
	"github.com/trackvision/tv-epcis-repository/query"
	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/types"
)

// captureDebounce coalesces bursts of captures into one subscription run.
const captureDebounce = 250 * time.Millisecond

// Engine owns one runner per active subscription. Runners are independent;
// within a runner, runs never overlap and extra triggers collapse into at
// most one queued run.
type Engine struct {
	store    storage.Store
	queries  *query.Engine
	dispatch Dispatcher
	cron     *cron.Cron

	mu      sync.Mutex
	runners map[string]*runner // keyed by subscriptionID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(store storage.Store, queries *query.Engine, dispatch Dispatcher) *Engine {
	return &Engine{
		store:    store,
		queries:  queries,
		dispatch: dispatch,
		cron:     cron.New(),
		runners:  map[string]*runner{},
	}
}

// Start loads every active subscription, wires its trigger, and begins
// consuming capture notices.
func (e *Engine) Start(ctx context.Context, notices <-chan types.CapturedNotice) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	var subs []types.Subscription
	err := e.store.Tx(ctx, func(tx storage.Tx) error {
		var err error
		subs, err = tx.ListActiveSubscriptions(ctx)
		return err
	})
	if err != nil {
		return err
	}
	for i := range subs {
		if err := e.Add(subs[i]); err != nil {
			logger.Error("skipping subscription with bad trigger",
				zap.String("subscription_id", subs[i].SubscriptionID),
				zap.String("trigger", subs[i].Trigger),
				zap.Error(err))
		}
	}

	e.cron.Start()
	e.wg.Add(1)
	go e.consumeNotices(notices)

	logger.Info("subscription engine started", zap.Int("subscriptions", len(subs)))
	return nil
}

// Stop halts triggers and waits for in-flight runs.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	cronCtx := e.cron.Stop()
	<-cronCtx.Done()
	e.wg.Wait()
}

// ValidateTrigger checks a trigger before a subscription is persisted, so a
// rejected registration never leaves an active row behind. Anything other
// than the capture trigger must be a parseable cron expression.
func ValidateTrigger(trigger string) error {
	if trigger == types.TriggerOnCapture {
		return nil
	}
	_, err := cron.ParseStandard(trigger)
	return err
}

// Add registers a runner for a subscription. Cron triggers are validated
// here; a bad expression fails the registration.
func (e *Engine) Add(sub types.Subscription) error {
	r := &runner{
		sub:     sub,
		trigger: make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}

	if sub.Trigger != types.TriggerOnCapture {
		entryID, err := e.cron.AddFunc(sub.Trigger, r.fire)
		if err != nil {
			return err
		}
		r.cronEntry = entryID
	}

	e.mu.Lock()
	e.runners[sub.SubscriptionID] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runLoop(r)
	return nil
}

// Remove tears a runner down. Safe to call for unknown ids.
func (e *Engine) Remove(subscriptionID string) {
	e.mu.Lock()
	r, ok := e.runners[subscriptionID]
	if ok {
		delete(e.runners, subscriptionID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if r.cronEntry != 0 {
		e.cron.Remove(r.cronEntry)
	}
	r.stop()
}

type runner struct {
	sub       types.Subscription
	trigger   chan struct{}
	cronEntry cron.EntryID

	debounceMu sync.Mutex
	debounce   *time.Timer

	stopOnce sync.Once
	stopped  chan struct{}
}

// fire queues one run. A second fire while a run is pending collapses into
// the already-queued one.
func (r *runner) fire() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// fireDebounced delays the fire so capture bursts trigger a single run.
func (r *runner) fireDebounced() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	if r.debounce == nil {
		r.debounce = time.AfterFunc(captureDebounce, r.fire)
		return
	}
	r.debounce.Reset(captureDebounce)
}

func (r *runner) stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

func (e *Engine) consumeNotices(notices <-chan types.CapturedNotice) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case notice, ok := <-notices:
			if !ok {
				return
			}
			e.mu.Lock()
			for _, r := range e.runners {
				if r.sub.Trigger == types.TriggerOnCapture && r.sub.TenantID == notice.TenantID {
					r.fireDebounced()
				}
			}
			e.mu.Unlock()
		}
	}
}

func (e *Engine) runLoop(r *runner) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-r.stopped:
			return
		case <-r.trigger:
			e.runOnce(r)
		}
	}
}

// runOnce executes the standing query past the cursor and delivers the
// batch. The cursor advances only after a successful delivery; a failed
// delivery leaves it alone so the next run retries the same window.
func (e *Engine) runOnce(r *runner) {
	sub := &r.sub

	cursor := sub.LastExecutedTime
	if cursor.IsZero() {
		cursor = sub.InitialRecordTime
	}

	params := append([]types.QueryParam{}, sub.Parameters...)
	params = append(params,
		types.QueryParam{Name: "GT_recordTime", Values: []string{cursor.UTC().Format(time.RFC3339Nano)}},
		types.QueryParam{Name: "orderBy", Values: []string{"recordTime"}},
	)

	result, err := e.queries.Run(e.ctx, sub.TenantID, params)
	if err != nil {
		logger.Error("subscription query failed",
			zap.String("subscription_id", sub.SubscriptionID),
			zap.String("name", sub.Name),
			zap.Error(err))
		return
	}

	if len(result.Events) == 0 && !sub.ReportIfEmpty {
		return
	}

	payload, contentType, err := encodeDelivery(sub, result.Events)
	if err != nil {
		logger.Error("subscription encoding failed",
			zap.String("subscription_id", sub.SubscriptionID),
			zap.Error(err))
		return
	}

	if err := e.dispatch.Deliver(e.ctx, sub, payload, contentType); err != nil {
		logger.Error("subscription delivery failed",
			zap.String("subscription_id", sub.SubscriptionID),
			zap.String("name", sub.Name),
			zap.String("destination", sub.Destination),
			zap.Error(err))
		return
	}

	watermark := cursor
	for i := range result.Events {
		if result.Events[i].RecordTime.After(watermark) {
			watermark = result.Events[i].RecordTime
		}
	}
	if watermark.After(cursor) {
		err := e.store.Tx(e.ctx, func(tx storage.Tx) error {
			return tx.AdvanceSubscriptionCursor(e.ctx, sub.ID, watermark)
		})
		if err != nil {
			logger.Error("cursor advance failed",
				zap.String("subscription_id", sub.SubscriptionID),
				zap.Error(err))
			return
		}
		r.sub.LastExecutedTime = watermark
	}

	logger.Info("subscription delivered",
		zap.String("subscription_id", sub.SubscriptionID),
		zap.String("name", sub.Name),
		zap.Int("events", len(result.Events)),
		zap.Time("watermark", watermark))
}

// encodeDelivery picks the wire format: legacy SOAP subscriptions get 1.2
// query-document XML, everything else EPCIS 2.0 JSON-LD.
func encodeDelivery(sub *types.Subscription, events []types.Event) ([]byte, string, error) {
	if sub.QueryName == "SimpleEventQuery" {
		payload, err := encode.SubscriptionDeliveryXML(events, sub.SubscriptionID)
		return payload, "application/xml", err
	}
	payload, err := encode.DocumentJSON(events)
	return payload, "application/json", err
}
