package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

// MaxMulticastTokens is the most tokens sent in one provider call.
const MaxMulticastTokens = 500

// PushMessage is the payload delivered to every device in a multicast.
type PushMessage struct {
	Title    string
	Body     string
	ImageURL string
	Data     map[string]string
}

// SendResponse is the provider's verdict for one token, aligned
// positionally with the tokens passed to SendMulticast. Transient marks
// errors that say nothing about the token itself (throttling, timeouts).
type SendResponse struct {
	Success   bool
	Transient bool
	Error     error
}

// Messenger is the push-messaging provider.
type Messenger interface {
	SendMulticast(ctx context.Context, tokens []string, msg PushMessage) ([]SendResponse, error)
}

// PushResult summarises a push dispatch. FailedTokens are tokens the
// provider rejected and should be invalidated. Errored holds tokens that
// hit a call-level or transient error; they are not invalidated.
type PushResult struct {
	SuccessCount int
	FailedTokens []string
	Errored      map[string]error
}

// PushDispatcher sends announcements to device tokens via multicast.
type PushDispatcher struct {
	messenger Messenger
	logger    *zap.Logger
}

// NewPushDispatcher creates a push dispatcher over messenger.
func NewPushDispatcher(messenger Messenger, logger *zap.Logger) *PushDispatcher {
	return &PushDispatcher{messenger: messenger, logger: logger}
}

// SendPush delivers a to tokens using one multicast call per
// MaxMulticastTokens tokens. It never returns an error; token failures are
// reported in the result for the caller to reconcile.
func (d *PushDispatcher) SendPush(ctx context.Context, a *db.Announcement, tokens []string) PushResult {
	res := PushResult{}
	if len(tokens) == 0 {
		return res
	}

	msg := BuildPushMessage(a)

	for start := 0; start < len(tokens); start += MaxMulticastTokens {
		end := min(start+MaxMulticastTokens, len(tokens))
		chunk := tokens[start:end]

		responses, err := d.messenger.SendMulticast(ctx, chunk, msg)
		if err == nil && len(responses) != len(chunk) {
			err = fmt.Errorf("provider returned %d responses for %d tokens", len(responses), len(chunk))
		}
		if err != nil {
			d.logger.Error("multicast failed",
				zap.String("announcement_id", a.ID),
				zap.Int("tokens", len(chunk)),
				zap.Error(err),
			)
			metrics.RecordMulticastError(len(chunk))
			if res.Errored == nil {
				res.Errored = make(map[string]error, len(chunk))
			}
			for _, t := range chunk {
				res.Errored[t] = err
			}
			continue
		}

		success, failed := 0, 0
		for i, r := range responses {
			switch {
			case r.Success:
				success++
			case r.Transient:
				if res.Errored == nil {
					res.Errored = make(map[string]error)
				}
				res.Errored[chunk[i]] = r.Error
			default:
				failed++
				res.FailedTokens = append(res.FailedTokens, chunk[i])
			}
		}
		res.SuccessCount += success
		metrics.RecordMulticast(success, len(chunk)-success)

		if success < len(chunk) {
			d.logger.Warn("multicast partially failed",
				zap.String("announcement_id", a.ID),
				zap.Int("success", success),
				zap.Int("rejected", failed),
				zap.Int("transient", len(chunk)-success-failed),
			)
		}
	}

	return res
}

// BuildPushMessage renders the device payload for an announcement.
func BuildPushMessage(a *db.Announcement) PushMessage {
	msg := PushMessage{
		Title: a.Title,
		Body:  a.Content,
		Data: map[string]string{
			"announcement_id": a.ID,
			"type":            string(a.Type),
		},
	}
	if a.ImageURL != nil {
		msg.ImageURL = *a.ImageURL
	}
	if a.ActionURL != nil {
		msg.Data["action_url"] = *a.ActionURL
	}
	if a.ActionLabel != nil {
		msg.Data["action_label"] = *a.ActionLabel
	}
	return msg
}

// EmailMessage is a fully rendered email.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers rendered email. Delivery is best effort and not retried.
type Mailer interface {
	SendEmail(ctx context.Context, msg EmailMessage) error
}

// EmailDispatcher renders announcements into email.
type EmailDispatcher struct {
	mailer Mailer
}

// NewEmailDispatcher creates an email dispatcher over mailer.
func NewEmailDispatcher(mailer Mailer) *EmailDispatcher {
	return &EmailDispatcher{mailer: mailer}
}

// SendEmail renders a for the recipient and hands it to the mailer.
func (d *EmailDispatcher) SendEmail(ctx context.Context, a *db.Announcement, r db.Recipient) error {
	err := d.mailer.SendEmail(ctx, RenderEmail(a, r))
	metrics.RecordChannelSend("email", err == nil)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

// RenderEmail builds the email for one recipient.
func RenderEmail(a *db.Announcement, r db.Recipient) EmailMessage {
	subject := a.Title
	switch a.Type {
	case db.TypeCritical:
		subject = "[Critical] " + subject
	case db.TypeWarning:
		subject = "[Warning] " + subject
	}

	var b strings.Builder
	if r.Name != "" {
		fmt.Fprintf(&b, "Hi %s,\n\n", r.Name)
	}
	b.WriteString(a.Content)
	if a.ActionURL != nil {
		label := "Open"
		if a.ActionLabel != nil {
			label = *a.ActionLabel
		}
		fmt.Fprintf(&b, "\n\n%s: %s", label, *a.ActionURL)
	}

	return EmailMessage{To: r.Email, Subject: subject, Body: b.String()}
}

// SMSSender delivers a text message to a phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) error
}

// maxSMSRunes keeps texts within a few concatenated segments.
const maxSMSRunes = 300

// SMSDispatcher renders announcements into text messages.
type SMSDispatcher struct {
	sender SMSSender
}

// NewSMSDispatcher creates an SMS dispatcher over sender.
func NewSMSDispatcher(sender SMSSender) *SMSDispatcher {
	return &SMSDispatcher{sender: sender}
}

// SendSMS texts the announcement title and content to the recipient.
func (d *SMSDispatcher) SendSMS(ctx context.Context, a *db.Announcement, r db.Recipient) error {
	text := []rune(a.Title + ": " + a.Content)
	if len(text) > maxSMSRunes {
		text = append(text[:maxSMSRunes-1], '…')
	}
	err := d.sender.SendSMS(ctx, r.Phone, string(text))
	metrics.RecordChannelSend("sms", err == nil)
	if err != nil {
		return fmt.Errorf("sms: %w", err)
	}
	return nil
}
