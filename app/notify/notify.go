// Package notify delivers the run summary to optional destinations: webhook
// URLs, slack channels and telegram chats. All senders come from
// go-pkgz/notify, the service only assembles destinations and fans out.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Params defines notification destinations and message formatting.
type Params struct {
	WebhookURLs   []string
	SlackToken    string
	SlackChannels []string
	TelegramToken string
	TelegramChats []string

	Template string // optional file with a custom message template
	HostName string
	Timeout  time.Duration
}

// Service fans one message out to all configured destinations.
type Service struct {
	notifiers    []notify.Notifier
	destinations []string
	templateFile string
	hostName     string
}

// default message, the run summary prefixed with where and when it happened
const defaultTmpl = `e2e run on {{.Host}} at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}
{{.Text}}`

// NewService creates the notification service for the given destinations.
// Returns nil service when nothing is configured, callers treat nil as
// "don't notify".
func NewService(p Params) (*Service, error) {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	res := &Service{templateFile: p.Template, hostName: makeHostName(p.HostName)}

	if len(p.WebhookURLs) > 0 {
		res.notifiers = append(res.notifiers, notify.NewWebhook(notify.WebhookParams{
			Timeout: timeout,
			Headers: []string{"Content-Type:text/plain"},
		}))
		res.destinations = append(res.destinations, p.WebhookURLs...)
	}

	if p.SlackToken != "" && len(p.SlackChannels) > 0 {
		res.notifiers = append(res.notifiers, notify.NewSlack(p.SlackToken))
		for _, ch := range p.SlackChannels {
			res.destinations = append(res.destinations, "slack:"+ch)
		}
	}

	if p.TelegramToken != "" && len(p.TelegramChats) > 0 {
		tg, err := notify.NewTelegram(notify.TelegramParams{Token: p.TelegramToken, Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to make telegram client: %w", err)
		}
		res.notifiers = append(res.notifiers, tg)
		for _, chat := range p.TelegramChats {
			res.destinations = append(res.destinations, "telegram:"+chat)
		}
	}

	if len(res.destinations) == 0 {
		return nil, nil
	}
	return res, nil
}

// Send delivers text to every configured destination. Failures are combined
// into a single error, one broken destination doesn't block the others.
func (s *Service) Send(ctx context.Context, text string) error {
	msg := s.makeText(text)
	var errs []error
	for _, dest := range s.destinations {
		if err := notify.Send(ctx, s.notifiers, dest, msg); err != nil {
			errs = append(errs, fmt.Errorf("failed to send to %s: %w", dest, err))
			continue
		}
		log.Printf("[DEBUG] notification sent to %s", dest)
	}
	return errors.Join(errs...)
}

// String describes configured destinations for the startup log
func (s *Service) String() string {
	return fmt.Sprintf("notifier with %s", strings.Join(s.destinations, ", "))
}

// makeText renders the message template around the summary text. A broken
// custom template falls back to the default one, formatting never fails the
// notification itself.
func (s *Service) makeText(text string) string {
	tmpl := defaultTmpl
	if s.templateFile != "" {
		data, err := os.ReadFile(s.templateFile)
		if err != nil {
			log.Printf("[WARN] can't read message template %s: %v", s.templateFile, err)
		} else {
			tmpl = string(data)
		}
	}

	res, err := renderText(tmpl, s.hostName, text)
	if err != nil && tmpl != defaultTmpl {
		log.Printf("[WARN] can't render custom message template: %v", err)
		res, err = renderText(defaultTmpl, s.hostName, text)
	}
	if err != nil {
		log.Printf("[WARN] can't render message template: %v", err)
		return text
	}
	return res
}

func renderText(tmpl, host, text string) (string, error) {
	data := struct {
		Host string
		TS   time.Time
		Text string
	}{Host: host, TS: time.Now(), Text: text}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("can't parse message template: %w", err)
	}
	buf := &strings.Builder{}
	if err := t.Execute(buf, data); err != nil {
		return "", fmt.Errorf("failed to apply message template: %w", err)
	}
	return buf.String(), nil
}

func makeHostName(override string) string {
	if override != "" {
		return override
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
