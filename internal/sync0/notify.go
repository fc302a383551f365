package sync0

import "log"

// PushPayload is an inbound push message from the host.
type PushPayload struct {
	Title string         `json:"title,omitempty"`
	Body  string         `json:"body,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Notification is a displayable descriptor built from a push payload.
type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// Notifier displays notifications. The default implementation just logs;
// real display surfaces live outside this system.
type Notifier interface {
	Display(Notification)
}

type logNotifier struct{}

func (logNotifier) Display(n Notification) {
	log.Printf("notification: %s: %s", n.Title, n.Body)
}

// Gateway turns push payloads into notification descriptors, filling in
// defaults for missing fields.
type Gateway struct {
	appName  string
	notifier Notifier
}

func NewGateway(appName string, notifier Notifier) *Gateway {
	if notifier == nil {
		notifier = logNotifier{}
	}
	return &Gateway{appName: appName, notifier: notifier}
}

func (g *Gateway) Handle(p PushPayload) Notification {
	n := Notification{Title: p.Title, Body: p.Body, Data: p.Data}
	if n.Title == "" {
		n.Title = g.appName
	}
	if n.Body == "" {
		n.Body = "You have a new notification"
	}
	g.notifier.Display(n)
	return n
}
