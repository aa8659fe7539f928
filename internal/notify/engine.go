package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

const tracerName = "github.com/lalithlochan/herald/internal/notify"

// Defaults for EngineConfig.
const (
	DefaultBatchSize  = 100
	DefaultBatchDelay = 100 * time.Millisecond
)

// EngineConfig tunes batching.
type EngineConfig struct {
	BatchSize  int
	BatchDelay time.Duration
	// Concurrency bounds recipient workers per batch. Zero means BatchSize.
	Concurrency int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.Concurrency <= 0 || c.Concurrency > c.BatchSize {
		c.Concurrency = c.BatchSize
	}
	return c
}

// Result is the outcome of one announcement run.
type Result struct {
	Sent   int      `json:"sent"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors"`
}

// EngineDeps are the collaborators of an Engine. Email and SMS may be nil,
// in which case those channels are never attempted.
type EngineDeps struct {
	Preferences *PreferenceStore
	Tokens      *TokenRegistry
	Push        *PushDispatcher
	Email       *EmailDispatcher
	SMS         *SMSDispatcher
	Status      *StatusTracker
	Analytics   *Analytics
}

// Engine fans an announcement out to recipients in sequential batches.
type Engine struct {
	deps   EngineDeps
	cfg    EngineConfig
	logger *zap.Logger
	tracer trace.Tracer

	now   func() time.Time
	sleep func(time.Duration)
}

// NewEngine creates an engine.
func NewEngine(deps EngineDeps, cfg EngineConfig, logger *zap.Logger) *Engine {
	return &Engine{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

type recipientState int

const (
	stateSkipped recipientState = iota
	statePending
	stateTargeted
	stateFailed
)

type recipientOutcome struct {
	recipient db.Recipient
	state     recipientState
	tokens    []string
	err       error
}

func (o *recipientOutcome) fail(err error) {
	if o.state == stateFailed {
		return
	}
	o.state = stateFailed
	o.err = err
}

// SendAnnouncementToUsers delivers a to every recipient and returns the
// totals. It never fails: per-recipient errors are collected into
// Result.Errors and persistence errors are logged. Cancelling ctx does not
// stop a run that has started.
func (e *Engine) SendAnnouncementToUsers(ctx context.Context, a *db.Announcement, recipients []db.Recipient) Result {
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, "notify.send_announcement")
	defer span.End()
	span.SetAttributes(
		attribute.String("announcement.id", a.ID),
		attribute.String("announcement.type", string(a.Type)),
		attribute.Int("recipients", len(recipients)),
	)

	metrics.RecordAnnouncementDispatched(string(a.Type))

	res := Result{Errors: []string{}}
	size := e.cfg.BatchSize

	for start := 0; start < len(recipients); start += size {
		if start > 0 && e.cfg.BatchDelay > 0 {
			e.sleep(e.cfg.BatchDelay)
		}
		end := min(start+size, len(recipients))
		e.runBatch(ctx, a, start/size, recipients[start:end], &res)
	}

	if err := e.deps.Analytics.RecordDelivery(ctx, a.ID, res.Sent); err != nil {
		e.logger.Error("failed to record delivered count",
			zap.String("announcement_id", a.ID),
			zap.Error(err),
		)
	}

	span.SetAttributes(attribute.Int("sent", res.Sent), attribute.Int("failed", res.Failed))
	if res.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d recipients failed", res.Failed))
	}

	e.logger.Info("announcement dispatched",
		zap.String("announcement_id", a.ID),
		zap.Int("recipients", len(recipients)),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
	)

	return res
}

func (e *Engine) runBatch(ctx context.Context, a *db.Announcement, n int, batch []db.Recipient, res *Result) {
	ctx, span := e.tracer.Start(ctx, "notify.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch", n), attribute.Int("size", len(batch)))

	started := e.now()
	outcomes := make([]recipientOutcome, len(batch))

	// Resolve preferences and send email/SMS per recipient.
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, r := range batch {
		g.Go(func() error {
			outcomes[i] = e.prepare(ctx, a, r)
			return nil
		})
	}
	_ = g.Wait()

	// One push dispatch for every token in the batch.
	owner := make(map[string]int)
	var tokens []string
	for i := range outcomes {
		if outcomes[i].state == stateFailed {
			continue
		}
		for _, t := range outcomes[i].tokens {
			if _, dup := owner[t]; dup {
				continue
			}
			owner[t] = i
			tokens = append(tokens, t)
		}
	}

	var push PushResult
	if len(tokens) > 0 {
		push = e.sendPush(ctx, a, tokens)
		for t, err := range push.Errored {
			outcomes[owner[t]].fail(fmt.Errorf("push: %w", err))
		}
	}

	// Persist per-recipient status.
	at := e.now()
	var pg errgroup.Group
	pg.SetLimit(e.cfg.Concurrency)
	for i := range outcomes {
		o := &outcomes[i]
		if o.state == stateSkipped {
			continue
		}
		pg.Go(func() error {
			e.persist(ctx, a.ID, o, at)
			return nil
		})
	}
	_ = pg.Wait()

	for i := range outcomes {
		o := &outcomes[i]
		switch o.state {
		case stateTargeted:
			res.Sent++
			metrics.RecordRecipientOutcome("sent")
		case stateFailed:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("User %s: %s", o.recipient.ID, o.err))
			metrics.RecordRecipientOutcome("failed")
		case statePending:
			metrics.RecordRecipientOutcome("pending")
		default:
			metrics.RecordRecipientOutcome("skipped")
		}
	}

	if len(push.FailedTokens) > 0 {
		if err := e.deps.Tokens.InvalidateTokens(ctx, push.FailedTokens); err != nil {
			e.logger.Error("failed to invalidate tokens",
				zap.String("announcement_id", a.ID),
				zap.Int("tokens", len(push.FailedTokens)),
				zap.Error(err),
			)
		}
	}

	metrics.RecordBatchDuration(e.now().Sub(started))
}

// prepare runs one recipient's work up to the push call. Panics become
// failed outcomes.
func (e *Engine) prepare(ctx context.Context, a *db.Announcement, r db.Recipient) (o recipientOutcome) {
	o.recipient = r
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("recipient worker panicked",
				zap.String("user_id", r.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			o.state = stateFailed
			o.err = fmt.Errorf("panic: %v", p)
		}
	}()

	prefs := e.deps.Preferences.GetPreferences(ctx, r.ID)
	if !IsEligible(a.Type, prefs) || IsSuppressed(e.now(), prefs) {
		return o
	}

	if prefs.PushNotifications {
		tokens, err := e.deps.Tokens.ActiveTokens(ctx, r.ID)
		if err != nil {
			o.fail(err)
			return o
		}
		if len(tokens) > 0 {
			o.tokens = tokens
			o.state = stateTargeted
		}
	}

	if prefs.EmailNotifications && r.Email != "" && e.deps.Email != nil {
		if err := e.deps.Email.SendEmail(ctx, a, r); err != nil {
			o.fail(err)
			return o
		}
		o.state = stateTargeted
	}

	if prefs.SMSNotifications && r.Phone != "" && e.deps.SMS != nil {
		if err := e.deps.SMS.SendSMS(ctx, a, r); err != nil {
			o.fail(err)
			return o
		}
		o.state = stateTargeted
	}

	if o.state == stateSkipped && prefs.InAppNotifications {
		o.state = statePending
	}
	return o
}

// sendPush runs the batch multicast. A panic errors every token in the
// batch so the owning recipients fail instead of the run.
func (e *Engine) sendPush(ctx context.Context, a *db.Announcement, tokens []string) (res PushResult) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("push dispatch panicked",
				zap.String("announcement_id", a.ID),
				zap.Int("tokens", len(tokens)),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err := fmt.Errorf("panic: %v", p)
			res = PushResult{Errored: make(map[string]error, len(tokens))}
			for _, t := range tokens {
				res.Errored[t] = err
			}
		}
	}()
	return e.deps.Push.SendPush(ctx, a, tokens)
}

// persist writes the recipient's delivery status. Failures, panics
// included, are logged and never change the tally.
func (e *Engine) persist(ctx context.Context, announcementID string, o *recipientOutcome, at time.Time) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("status write panicked",
				zap.String("announcement_id", announcementID),
				zap.String("user_id", o.recipient.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	var (
		status db.DeliveryStatus
		errMsg *string
	)
	switch o.state {
	case stateTargeted:
		status = db.StatusSent
	case stateFailed:
		status = db.StatusFailed
		msg := o.err.Error()
		errMsg = &msg
	default:
		status = db.StatusPending
	}

	if err := e.deps.Status.UpsertStatus(ctx, announcementID, o.recipient.ID, status, at, errMsg); err != nil {
		e.logger.Error("failed to persist delivery status",
			zap.String("announcement_id", announcementID),
			zap.String("user_id", o.recipient.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// RegisterDeviceToken registers a push token for a user.
func (e *Engine) RegisterDeviceToken(ctx context.Context, userID, token, deviceType string, deviceInfo map[string]string) (*db.DeviceToken, error) {
	return e.deps.Tokens.RegisterToken(ctx, userID, token, deviceType, deviceInfo)
}

// InvalidateTokens soft-invalidates the given tokens.
func (e *Engine) InvalidateTokens(ctx context.Context, tokens []string) error {
	return e.deps.Tokens.InvalidateTokens(ctx, tokens)
}
