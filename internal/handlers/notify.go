package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/brinternational/income-clarity-sub015/internal/domain"
	"github.com/brinternational/income-clarity-sub015/internal/faults"
	"github.com/brinternational/income-clarity-sub015/internal/registry"
)

// Mailer delivers a rendered message. SMTPMailer is the production
// implementation; tests inject fakes.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// DeliveryStore records delivery attempts for auditing.
type DeliveryStore interface {
	AppendDeliveryLog(ctx context.Context, l *domain.DeliveryLog) error
}

// Message templates, rendered with the payload's data map. Kept small
// and in-binary; anything fancier belongs to the dashboard layer.
var templates = map[string]*template.Template{
	"sync-complete": template.Must(template.New("sync-complete").Parse(
		"Hi {{.Name}},\n\nYour accounts finished syncing. {{.Changed}} items were updated.\n")),
	"sync-failed": template.Must(template.New("sync-failed").Parse(
		"Hi {{.Name}},\n\nWe could not refresh your accounts: {{.Reason}}.\nWe will keep retrying automatically.\n")),
	"weekly-summary": template.Must(template.New("weekly-summary").Parse(
		"Hi {{.Name}},\n\nThis week: income {{.Income}}, expenses {{.Expenses}}, net {{.Net}}.\n")),
}

var subjects = map[string]string{
	"sync-complete":  "Your accounts are up to date",
	"sync-failed":    "We hit a snag refreshing your accounts",
	"weekly-summary": "Your weekly income summary",
}

// NotifyPayload is the notify:email job payload.
type NotifyPayload struct {
	Recipient string                 `json:"recipient"`
	Template  string                 `json:"template"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NotificationHandler renders a template and sends it. Delivery is
// at-least-once: a transient send failure is retried by the dispatcher,
// and every attempt lands in the delivery log.
type NotificationHandler struct {
	mailer Mailer
	store  DeliveryStore
	log    *zap.Logger
}

func NewNotification(mailer Mailer, store DeliveryStore, log *zap.Logger) *NotificationHandler {
	return &NotificationHandler{mailer: mailer, store: store, log: log.Named("notify")}
}

func (h *NotificationHandler) Type() string { return registry.TypeNotifyEmail }

func (h *NotificationHandler) Handle(ctx context.Context, job *domain.Job) (domain.Result, error) {
	var p NotifyPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Result{}, faults.Wrap(faults.KindTerminal, "notify.payload", err)
	}

	if _, err := mail.ParseAddress(p.Recipient); err != nil {
		// Invalid recipient can never succeed; fail once, audit it, stop.
		ferr := faults.New(faults.KindTerminal, "notify", "invalid recipient: "+p.Recipient)
		h.logDelivery(ctx, job.ID, p, domain.DeliveryFailed, ferr)
		return domain.Result{}, ferr
	}
	tmpl, ok := templates[p.Template]
	if !ok {
		ferr := faults.New(faults.KindTerminal, "notify", "unknown template: "+p.Template)
		h.logDelivery(ctx, job.ID, p, domain.DeliveryFailed, ferr)
		return domain.Result{}, ferr
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, p.Data); err != nil {
		ferr := faults.Wrap(faults.KindTerminal, "notify.render", err)
		h.logDelivery(ctx, job.ID, p, domain.DeliveryFailed, ferr)
		return domain.Result{}, ferr
	}

	if err := h.mailer.Send(ctx, p.Recipient, subjects[p.Template], body.String()); err != nil {
		// Default to transient: SMTP hiccups resolve, and duplicates are
		// acceptable under at-least-once delivery.
		kind := faults.KindOf(err)
		if kind == faults.KindUnknown {
			kind = faults.KindTransient
		}
		ferr := faults.Wrap(kind, "notify.send", err)
		h.logDelivery(ctx, job.ID, p, domain.DeliveryFailed, ferr)
		return domain.Result{}, ferr
	}

	h.logDelivery(ctx, job.ID, p, domain.DeliverySent, nil)
	h.log.Info("notification sent",
		zap.String("template", p.Template), zap.String("recipient", p.Recipient))
	return domain.Result{ItemsProcessed: 1, ItemsChanged: 1}, nil
}

func (h *NotificationHandler) logDelivery(ctx context.Context, jobID string, p NotifyPayload, status string, derr error) {
	var msg *string
	if derr != nil {
		s := derr.Error()
		msg = &s
	}
	err := h.store.AppendDeliveryLog(ctx, &domain.DeliveryLog{
		JobID:     jobID,
		Recipient: p.Recipient,
		Template:  p.Template,
		Status:    status,
		Error:     msg,
	})
	if err != nil {
		h.log.Error("writing delivery log", zap.String("job_id", jobID), zap.Error(err))
	}
}

// SMTPMailer sends through a plain SMTP relay. The pack carries no
// richer mail library, so net/smtp behind the Mailer interface it is.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
}

func NewSMTPMailer(addr, from, user, password string) *SMTPMailer {
	m := &SMTPMailer{addr: addr, from: from}
	if user != "" {
		host := addr
		if h, _, err := net.SplitHostPort(addr); err == nil {
			host = h
		}
		m.auth = smtp.PlainAuth("", user, password, host)
	}
	return m
}

func (m *SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		m.from, to, subject, time.Now().Format(time.RFC1123Z), body)
	return smtp.SendMail(m.addr, m.auth, m.from, []string{to}, []byte(msg))
}
