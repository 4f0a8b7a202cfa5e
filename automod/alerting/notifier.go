package alerting

import (
	"context"
	"fmt"
	"sync"

	"github.com/flosch/pongo2/v6"
)

// A rendered alert ready for delivery.
type Message struct {
	Subject string
	Body    string
	Alert   *Event
}

type Notifier interface {
	Notify(ctx context.Context, target string, msg Message) error
}

const defaultTemplate = `[{{ alert.Level|upper }}] {{ alert.RuleName }}: {{ alert.Message }}
{% for name, value in values sorted %}{{ name }} = {{ value }}
{% endfor %}Triggered at {{ alert.TriggeredAt|date:"2006-01-02T15:04:05Z07:00" }}`

// Parsed templates are cached by source text.
type renderer struct {
	lk    sync.Mutex
	cache map[string]*pongo2.Template
}

func newRenderer() *renderer {
	return &renderer{cache: make(map[string]*pongo2.Template)}
}

func (r *renderer) template(src string) (*pongo2.Template, error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if tpl, ok := r.cache[src]; ok {
		return tpl, nil
	}
	// plain-text output; no HTML escaping
	tpl, err := pongo2.FromString("{% autoescape off %}" + src + "{% endautoescape %}")
	if err != nil {
		return nil, err
	}
	r.cache[src] = tpl
	return tpl, nil
}

func (r *renderer) render(src string, evt *Event) (Message, error) {
	if src == "" {
		src = defaultTemplate
	}
	tpl, err := r.template(src)
	if err != nil {
		return Message{}, fmt.Errorf("parsing alert template: %w", err)
	}
	body, err := tpl.Execute(pongo2.Context{
		"alert":  evt,
		"values": evt.Values,
	})
	if err != nil {
		return Message{}, fmt.Errorf("rendering alert template: %w", err)
	}
	return Message{
		Subject: fmt.Sprintf("[%s] %s", evt.Level, evt.RuleName),
		Body:    body,
		Alert:   evt,
	}, nil
}
