// Package notify delivers operator alerts (terminal job failures, engine restart exhaustion)
// to email, webhook and slack destinations via go-pkgz/notify.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Params define destinations of alerts, an empty list disables the destination kind
type Params struct {
	WebhookURLs   []string
	SlackToken    string
	SlackChannels []string
	SMTP          SMTPParams
	FromEmail     string
	ToEmails      []string
	Timeout       time.Duration
	Hostname      string // added to every subject
}

// SMTPParams configure the email sender
type SMTPParams struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
}

// Service sends alerts to all configured destinations
type Service struct {
	destinations  []notify.Notifier
	webhooks      []string
	slackChannels []string
	fromEmail     string
	toEmail       []string
	hostname      string
}

// NewService makes alerts service, returns nil if no destination configured
func NewService(p Params) *Service {
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	res := &Service{hostname: p.Hostname}

	if len(p.WebhookURLs) > 0 {
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{Timeout: p.Timeout,
			Headers: []string{"Content-Type:text/plain"}}))
		res.webhooks = p.WebhookURLs
	}
	if p.SlackToken != "" && len(p.SlackChannels) > 0 {
		res.destinations = append(res.destinations, notify.NewSlack(p.SlackToken))
		res.slackChannels = p.SlackChannels
	}
	if p.SMTP.Host != "" && len(p.ToEmails) > 0 {
		res.destinations = append(res.destinations, notify.NewEmail(notify.SMTPParams{Host: p.SMTP.Host,
			Port: p.SMTP.Port, TLS: p.SMTP.TLS, Username: p.SMTP.Username, Password: p.SMTP.Password, TimeOut: p.Timeout}))
		res.fromEmail, res.toEmail = p.FromEmail, p.ToEmails
	}

	if len(res.destinations) == 0 {
		return nil
	}
	log.Printf("[INFO] alerts enabled, %s", res)
	return res
}

// Send delivers the alert to every destination, all destinations are tried even if some fail
func (s *Service) Send(ctx context.Context, subj, text string) error {
	if s.hostname != "" {
		subj = fmt.Sprintf("[%s] %s", s.hostname, subj)
	}
	var errs []error
	for _, wh := range s.webhooks {
		errs = append(errs, notify.Send(ctx, s.destinations, wh, subj+"\n\n"+text))
	}
	for _, ch := range s.slackChannels {
		dest := "slack:" + ch + "?title=" + url.QueryEscape(subj)
		errs = append(errs, notify.Send(ctx, s.destinations, dest, text))
	}
	if len(s.toEmail) > 0 {
		dest := fmt.Sprintf("mailto:%s?from=%s&subject=%s", strings.Join(s.toEmail, ","), s.fromEmail,
			url.QueryEscape(subj))
		errs = append(errs, notify.Send(ctx, s.destinations, dest, text))
	}
	return errors.Join(errs...)
}

func (s *Service) String() string {
	return fmt.Sprintf("webhooks:%d, slack channels:%v, emails:%v", len(s.webhooks), s.slackChannels, s.toEmail)
}
