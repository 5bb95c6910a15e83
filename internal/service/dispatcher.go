package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kinpool/internal/channel"
	"kinpool/internal/models"
)

// ContactDirectory resolves a recipient identifier to a deliverable
// address for a channel (email address, push device token, phone
// number). An empty address means the recipient is unreachable on
// that channel.
type ContactDirectory interface {
	Address(ctx context.Context, recipientID, channelName string) (string, error)
}

// IdentityDirectory treats the recipient identifier itself as the
// email address and reports no address for other channels. Invitations
// are keyed by email, so this is the default directory.
type IdentityDirectory struct{}

// Address implements ContactDirectory
func (IdentityDirectory) Address(_ context.Context, recipientID, channelName string) (string, error) {
	if channelName == models.ChannelEmail {
		return recipientID, nil
	}
	return "", nil
}

// Dispatcher persists notifications and delivers them asynchronously
// through a worker pool. The triggering operation returns as soon as
// the notification is durably queued; channel I/O never blocks it.
type Dispatcher struct {
	store     NotificationStore
	senders   map[string]channel.Sender
	contacts  ContactDirectory
	audit     *AuditService
	timeout   time.Duration
	workers   int
	queue     chan *models.Notification
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher with the given senders. Delivery
// does not begin until Start is called.
func NewDispatcher(store NotificationStore, senders []channel.Sender, contacts ContactDirectory, audit *AuditService, workers, buffer int, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	byName := make(map[string]channel.Sender, len(senders))
	for _, s := range senders {
		byName[s.Channel()] = s
	}
	return &Dispatcher{
		store:    store,
		senders:  byName,
		contacts: contacts,
		audit:    audit,
		timeout:  timeout,
		workers:  workers,
		queue:    make(chan *models.Notification, buffer),
		logger:   logger,
	}
}

// Start launches the delivery workers
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
		d.logger.Info("notification dispatcher started", zap.Int("workers", d.workers))
	})
}

// Stop closes the queue and waits for in-flight deliveries to finish
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.queue)
		d.wg.Wait()
		d.logger.Info("notification dispatcher stopped")
	})
}

// Notify persists the notification and enqueues it for delivery. It
// satisfies the Notifier interface used by the domain services.
func (d *Dispatcher) Notify(ctx context.Context, n *models.Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.Status = models.NotificationQueued
	n.CreatedAt = time.Now().UTC()

	if err := d.store.Create(ctx, n); err != nil {
		d.logger.Error("failed to persist notification",
			zap.String("recipient_id", n.RecipientID),
			zap.String("category", n.Category),
			zap.Error(err),
		)
		return
	}

	select {
	case d.queue <- n:
	default:
		// Queue full. The notification stays persisted as queued and
		// is visible via List even though no delivery was attempted.
		d.logger.Warn("notification queue full, delivery skipped",
			zap.String("notification_id", n.ID),
		)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

// deliver walks the recipient's preferred channels in order, falling
// back on failure, with email as the last resort. Every attempt is
// recorded; total failure is surfaced to the audit log.
func (d *Dispatcher) deliver(n *models.Notification) {
	ctx := context.Background()

	chain, err := d.store.GetPreferences(ctx, n.RecipientID)
	if err != nil {
		d.logger.Warn("failed to load channel preferences",
			zap.String("recipient_id", n.RecipientID),
			zap.Error(err),
		)
	}
	if len(chain) == 0 {
		chain = []string{models.ChannelEmail}
	}
	hasEmail := false
	for _, name := range chain {
		if name == models.ChannelEmail {
			hasEmail = true
			break
		}
	}
	if !hasEmail {
		chain = append(chain, models.ChannelEmail)
	}

	for _, name := range chain {
		if d.attempt(ctx, n, name) {
			if err := d.store.SetOutcome(ctx, n.ID, models.NotificationDelivered, name); err != nil {
				d.logger.Error("failed to record delivery outcome", zap.String("notification_id", n.ID), zap.Error(err))
			}
			return
		}
	}

	if err := d.store.SetOutcome(ctx, n.ID, models.NotificationUndelivered, ""); err != nil {
		d.logger.Error("failed to record delivery outcome", zap.String("notification_id", n.ID), zap.Error(err))
	}
	d.audit.Record(ctx, n.FamilyID, "system", "notification.undelivered", n.ID, 0, 0, models.OutcomeFailed, n.Category)
	d.logger.Warn("notification undelivered on every channel",
		zap.String("notification_id", n.ID),
		zap.String("recipient_id", n.RecipientID),
	)
}

// attempt tries one channel under the configured timeout and records
// the result. Returns true on delivery.
func (d *Dispatcher) attempt(ctx context.Context, n *models.Notification, name string) bool {
	record := func(outcome, errMsg string) {
		a := &models.DeliveryAttempt{
			NotificationID: n.ID,
			Channel:        name,
			Outcome:        outcome,
			Error:          errMsg,
			AttemptedAt:    time.Now().UTC(),
		}
		if err := d.store.RecordAttempt(ctx, a); err != nil {
			d.logger.Error("failed to record delivery attempt", zap.String("notification_id", n.ID), zap.Error(err))
		}
	}

	sender, ok := d.senders[name]
	if !ok {
		record(models.AttemptFailed, "no sender configured for channel")
		return false
	}
	addr, err := d.contacts.Address(ctx, n.RecipientID, name)
	if err != nil || addr == "" {
		record(models.AttemptFailed, "recipient has no address on channel")
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err = sender.Send(sendCtx, channel.Message{
		Recipient: addr,
		Subject:   n.Category,
		Body:      n.Payload,
		Category:  n.Category,
	})
	if err != nil {
		record(models.AttemptFailed, err.Error())
		return false
	}
	record(models.AttemptDelivered, "")
	return true
}

// List returns a recipient's notifications, optionally unread only
func (d *Dispatcher) List(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return d.store.List(ctx, recipientID, unreadOnly, limit)
}

// MarkRead flags one notification as read. Idempotent.
func (d *Dispatcher) MarkRead(ctx context.Context, notificationID, recipientID string) error {
	return d.store.MarkRead(ctx, notificationID, recipientID, time.Now().UTC())
}

// MarkAllRead flags all of a recipient's notifications in a family as
// read. Idempotent.
func (d *Dispatcher) MarkAllRead(ctx context.Context, recipientID, familyID string) error {
	return d.store.MarkAllRead(ctx, recipientID, familyID, time.Now().UTC())
}

// SetPreferences replaces the recipient's channel order. Takes effect
// for notifications dispatched after the update.
func (d *Dispatcher) SetPreferences(ctx context.Context, recipientID string, channels []string) error {
	if len(channels) == 0 {
		return validationError("at least one channel is required")
	}
	seen := make(map[string]bool, len(channels))
	for _, c := range channels {
		switch c {
		case models.ChannelEmail, models.ChannelPush, models.ChannelSMS:
		default:
			return validationError("unsupported channel %q", c)
		}
		if seen[c] {
			return validationError("duplicate channel %q", c)
		}
		seen[c] = true
	}
	return d.store.SetPreferences(ctx, recipientID, channels)
}
