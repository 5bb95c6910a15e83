package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"kinpool/internal/channel"
	"kinpool/internal/models"
)

// stubSender records sends and can be told to fail
type stubSender struct {
	name string
	fail bool

	mu   sync.Mutex
	sent []channel.Message
}

func (s *stubSender) Channel() string { return s.name }

func (s *stubSender) Send(_ context.Context, msg channel.Message) error {
	if s.fail {
		return errors.New("transport unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// stubDirectory reaches every recipient on every channel
type stubDirectory struct{}

func (stubDirectory) Address(_ context.Context, recipientID, channelName string) (string, error) {
	return recipientID + "@" + channelName, nil
}

type dispatcherEnv struct {
	db    *memDB
	store *fakeNotificationStore
	email *stubSender
	push  *stubSender
	disp  *Dispatcher
}

func newDispatcherEnv(t *testing.T) *dispatcherEnv {
	t.Helper()
	db := newMemDB()
	store := &fakeNotificationStore{db: db}
	email := &stubSender{name: models.ChannelEmail}
	push := &stubSender{name: models.ChannelPush}
	audit := NewAuditService(&fakeAuditStore{db: db}, zap.NewNop())
	disp := NewDispatcher(store, []channel.Sender{email, push}, stubDirectory{}, audit, 2, 16, time.Second, zap.NewNop())
	disp.Start()
	return &dispatcherEnv{db: db, store: store, email: email, push: push, disp: disp}
}

func TestDispatcherDeliversByDefault(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()

	env.disp.Notify(ctx, &models.Notification{
		FamilyID:    "fam-1",
		RecipientID: "bob@example.com",
		Category:    "invitation.created",
		Payload:     "You have been invited",
	})
	env.disp.Stop()

	if env.email.count() != 1 {
		t.Fatalf("email sends = %d, want 1", env.email.count())
	}
	if got := env.email.sent[0].Recipient; got != "bob@example.com@email" {
		t.Errorf("Recipient = %q, want directory-resolved address", got)
	}

	list, err := env.disp.List(ctx, "bob@example.com", false, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
	if list[0].Status != models.NotificationDelivered || list[0].DeliveredVia != models.ChannelEmail {
		t.Errorf("notification = %+v, want delivered via email", list[0])
	}
}

func TestDispatcherFallsBackToEmail(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()
	env.push.fail = true

	if err := env.disp.SetPreferences(ctx, "bob", []string{models.ChannelPush}); err != nil {
		t.Fatalf("SetPreferences() error = %v", err)
	}
	env.disp.Notify(ctx, &models.Notification{
		FamilyID:    "fam-1",
		RecipientID: "bob",
		Category:    "token_request.created",
		Payload:     "A request needs review",
	})
	env.disp.Stop()

	if env.email.count() != 1 {
		t.Fatalf("email sends = %d, want 1 after push failure", env.email.count())
	}

	list, _ := env.disp.List(ctx, "bob", false, 0)
	if len(list) != 1 || list[0].DeliveredVia != models.ChannelEmail {
		t.Fatalf("notification not delivered via the email fallback: %+v", list)
	}

	// Both the failed and the successful attempt were recorded
	attempts, err := env.store.ListAttempts(ctx, list[0].ID)
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("len(attempts) = %d, want 2", len(attempts))
	}
	outcomes := map[string]string{}
	for _, a := range attempts {
		outcomes[a.Channel] = a.Outcome
	}
	if outcomes[models.ChannelPush] != models.AttemptFailed {
		t.Errorf("push attempt outcome = %q, want failed", outcomes[models.ChannelPush])
	}
	if outcomes[models.ChannelEmail] != models.AttemptDelivered {
		t.Errorf("email attempt outcome = %q, want delivered", outcomes[models.ChannelEmail])
	}
}

func TestDispatcherAttemptsEachChannelOnce(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()
	env.email.fail = true

	// Email already sits first in the chain; a failure there must not
	// earn it a second attempt as the last resort.
	if err := env.disp.SetPreferences(ctx, "bob", []string{models.ChannelEmail, models.ChannelPush}); err != nil {
		t.Fatalf("SetPreferences() error = %v", err)
	}
	env.disp.Notify(ctx, &models.Notification{
		FamilyID:    "fam-1",
		RecipientID: "bob",
		Category:    "token_request.created",
		Payload:     "A request needs review",
	})
	env.disp.Stop()

	list, _ := env.disp.List(ctx, "bob", false, 0)
	if len(list) != 1 || list[0].DeliveredVia != models.ChannelPush {
		t.Fatalf("notification not delivered via push: %+v", list)
	}

	attempts, err := env.store.ListAttempts(ctx, list[0].ID)
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("len(attempts) = %d, want 2", len(attempts))
	}
	emailAttempts := 0
	for _, a := range attempts {
		if a.Channel == models.ChannelEmail {
			emailAttempts++
		}
	}
	if emailAttempts != 1 {
		t.Errorf("email attempts = %d, want 1", emailAttempts)
	}
}

func TestDispatcherTotalFailureIsAudited(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()
	env.email.fail = true
	env.push.fail = true

	env.disp.Notify(ctx, &models.Notification{
		FamilyID:    "fam-1",
		RecipientID: "bob",
		Category:    "family.created",
		Payload:     "Welcome",
	})
	env.disp.Stop()

	list, _ := env.disp.List(ctx, "bob", false, 0)
	if len(list) != 1 || list[0].Status != models.NotificationUndelivered {
		t.Fatalf("notification = %+v, want undelivered", list)
	}

	audited := false
	for _, action := range env.db.auditActions("fam-1") {
		if action == "notification.undelivered" {
			audited = true
		}
	}
	if !audited {
		t.Error("total delivery failure was not audited")
	}
}

func TestDispatcherMarkRead(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()

	env.disp.Notify(ctx, &models.Notification{
		FamilyID:    "fam-1",
		RecipientID: "bob",
		Category:    "member.promote",
		Payload:     "You are now an admin",
	})
	env.disp.Stop()

	list, _ := env.disp.List(ctx, "bob", true, 0)
	if len(list) != 1 {
		t.Fatalf("unread = %d, want 1", len(list))
	}

	if err := env.disp.MarkRead(ctx, list[0].ID, "bob"); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	// Idempotent, and scoped to the owning recipient
	if err := env.disp.MarkRead(ctx, list[0].ID, "bob"); err != nil {
		t.Fatalf("second MarkRead() error = %v", err)
	}

	list, _ = env.disp.List(ctx, "bob", true, 0)
	if len(list) != 0 {
		t.Errorf("unread = %d after MarkRead, want 0", len(list))
	}
}

func TestDispatcherMarkAllRead(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.disp.Notify(ctx, &models.Notification{
			FamilyID:    "fam-1",
			RecipientID: "bob",
			Category:    "account.freeze",
			Payload:     "Account frozen",
		})
	}
	env.disp.Stop()

	if err := env.disp.MarkAllRead(ctx, "bob", "fam-1"); err != nil {
		t.Fatalf("MarkAllRead() error = %v", err)
	}
	list, _ := env.disp.List(ctx, "bob", true, 0)
	if len(list) != 0 {
		t.Errorf("unread = %d after MarkAllRead, want 0", len(list))
	}
}

func TestSetPreferencesValidation(t *testing.T) {
	env := newDispatcherEnv(t)
	defer env.disp.Stop()
	ctx := context.Background()

	err := env.disp.SetPreferences(ctx, "bob", nil)
	wantKind(t, err, KindValidation)

	err = env.disp.SetPreferences(ctx, "bob", []string{"carrier-pigeon"})
	wantKind(t, err, KindValidation)

	err = env.disp.SetPreferences(ctx, "bob", []string{models.ChannelPush, models.ChannelPush})
	wantKind(t, err, KindValidation)

	if err := env.disp.SetPreferences(ctx, "bob", []string{models.ChannelSMS, models.ChannelPush, models.ChannelEmail}); err != nil {
		t.Fatalf("SetPreferences() error = %v", err)
	}
	chain, err := env.store.GetPreferences(ctx, "bob")
	if err != nil {
		t.Fatalf("GetPreferences() error = %v", err)
	}
	if len(chain) != 3 || chain[0] != models.ChannelSMS {
		t.Errorf("preferences = %v, want sms first", chain)
	}
}
