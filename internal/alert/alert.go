// Package alert is the best-effort alerting collaborator: an audible
// chime, an OS-level notification and an in-app toast. None of these
// may fail a user action.
package alert

import (
	"log"
	"sync"
)

type Urgency string

const (
	UrgencyInfo     Urgency = "info"
	UrgencyWarning  Urgency = "warning"
	UrgencyCritical Urgency = "critical"
)

type Toast struct {
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	Urgency     Urgency `json:"urgency"`
	ActionLabel string  `json:"action_label,omitempty"`
	ActionPath  string  `json:"action_path,omitempty"`
}

type Alerter interface {
	Chime() error
	Notify(title, body string) error
	Toast(toast Toast) error
}

// BestEffort wraps an Alerter so that errors and panics are logged and
// swallowed. A nil inner Alerter is valid and does nothing.
func BestEffort(inner Alerter) *Guard {
	return &Guard{inner: inner}
}

type Guard struct {
	inner Alerter
}

func (g *Guard) Chime() {
	g.run("chime", func(a Alerter) error { return a.Chime() })
}

func (g *Guard) Notify(title, body string) {
	g.run("notify", func(a Alerter) error { return a.Notify(title, body) })
}

func (g *Guard) Toast(toast Toast) {
	g.run("toast", func(a Alerter) error { return a.Toast(toast) })
}

func (g *Guard) run(kind string, fn func(Alerter) error) {
	if g == nil || g.inner == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("alert %s panicked: %v", kind, r)
		}
	}()
	if err := fn(g.inner); err != nil {
		log.Printf("alert %s: %v", kind, err)
	}
}

// Recorder is an Alerter that keeps what it was asked to do.
type Recorder struct {
	mu            sync.Mutex
	Chimes        int
	Notifications []string
	Toasts        []Toast
	Err           error
}

func (r *Recorder) Chime() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Chimes++
	return r.Err
}

func (r *Recorder) Notify(title, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notifications = append(r.Notifications, title+": "+body)
	return r.Err
}

func (r *Recorder) Toast(toast Toast) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Toasts = append(r.Toasts, toast)
	return r.Err
}
