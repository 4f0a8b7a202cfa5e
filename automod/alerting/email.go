package alerting

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

type EmailNotifier struct {
	// SMTP server host:port
	Addr string
	From string
	Auth smtp.Auth
	// recipients used when an action has no target
	DefaultTo []string

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotifier(addr, from, username, password string) *EmailNotifier {
	n := &EmailNotifier{
		Addr: addr,
		From: from,
		send: smtp.SendMail,
	}
	if username != "" {
		host, _, _ := strings.Cut(addr, ":")
		n.Auth = smtp.PlainAuth("", username, password, host)
	}
	return n
}

// Target is a comma-separated recipient list.
func (n *EmailNotifier) Notify(ctx context.Context, target string, msg Message) error {
	var to []string
	for _, addr := range strings.Split(target, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		to = n.DefaultTo
	}
	if len(to) == 0 {
		return fmt.Errorf("email notifier: no recipients")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	send := n.send
	if send == nil {
		send = smtp.SendMail
	}
	// smtp.SendMail has no context support, so run it aside and honor cancellation
	errc := make(chan error, 1)
	go func() {
		errc <- send(n.Addr, n.Auth, n.From, to, []byte(b.String()))
	}()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("sending alert email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
