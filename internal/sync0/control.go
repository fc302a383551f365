package sync0

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// Control-message protocol: a persistent WebSocket at /-/control carrying
// JSON envelopes. Each request envelope gets exactly one reply.
//
//	SKIP_WAITING  -> OK            force activation now
//	GET_VERSION   -> VERSION       current cache-tier version
//	CLEAR_CACHE   -> OK            purge all tiers
//	SYNC          -> OK (pending)  signal a sync opportunity
//	PUSH          -> NOTIFICATION  run a push payload through the gateway

type controlMessage struct {
	Type string       `json:"type"`
	Push *PushPayload `json:"push,omitempty"`
}

type controlReply struct {
	Type         string        `json:"type"`
	Version      string        `json:"version,omitempty"`
	Pending      int           `json:"pending,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.writeControlReply(ctx, conn, controlReply{Type: "ERROR", Error: "malformed message"})
			continue
		}
		s.writeControlReply(ctx, conn, s.applyControl(ctx, msg))
	}
}

func (s *Service) applyControl(ctx context.Context, msg controlMessage) controlReply {
	switch msg.Type {
	case "SKIP_WAITING":
		s.lifecycle.SkipWaiting(ctx)
		return controlReply{Type: "OK"}
	case "GET_VERSION":
		return controlReply{Type: "VERSION", Version: s.lifecycle.Version()}
	case "CLEAR_CACHE":
		if err := s.lifecycle.ClearCache(); err != nil {
			return controlReply{Type: "ERROR", Error: err.Error()}
		}
		return controlReply{Type: "OK"}
	case "SYNC":
		s.replayer.Notify()
		pending, _ := s.queue.Len()
		return controlReply{Type: "OK", Pending: pending}
	case "PUSH":
		var p PushPayload
		if msg.Push != nil {
			p = *msg.Push
		}
		n := s.gateway.Handle(p)
		return controlReply{Type: "NOTIFICATION", Notification: &n}
	default:
		return controlReply{Type: "ERROR", Error: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
}

func (s *Service) writeControlReply(ctx context.Context, conn *websocket.Conn, reply controlReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// ControlClient is the host side of the control protocol; the sync0 CLI uses
// it, and host applications can embed it.
type ControlClient struct {
	conn *websocket.Conn
}

// DialControl connects to a running service's control endpoint. baseURL is
// the service's http(s) address.
func DialControl(ctx context.Context, baseURL string) (*ControlClient, error) {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/-/control"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	return &ControlClient{conn: conn}, nil
}

func (c *ControlClient) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *ControlClient) roundTrip(ctx context.Context, msg controlMessage) (controlReply, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return controlReply{}, err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return controlReply{}, err
	}
	_, raw, err := c.conn.Read(ctx)
	if err != nil {
		return controlReply{}, err
	}
	var reply controlReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return controlReply{}, err
	}
	if reply.Type == "ERROR" {
		return reply, fmt.Errorf("control: %s", reply.Error)
	}
	return reply, nil
}

// SkipWaiting forces the pending version to become current immediately.
func (c *ControlClient) SkipWaiting(ctx context.Context) error {
	_, err := c.roundTrip(ctx, controlMessage{Type: "SKIP_WAITING"})
	return err
}

// Version reports the service's current cache-tier version.
func (c *ControlClient) Version(ctx context.Context) (string, error) {
	reply, err := c.roundTrip(ctx, controlMessage{Type: "GET_VERSION"})
	if err != nil {
		return "", err
	}
	return reply.Version, nil
}

// ClearCache purges every cache tier.
func (c *ControlClient) ClearCache(ctx context.Context) error {
	_, err := c.roundTrip(ctx, controlMessage{Type: "CLEAR_CACHE"})
	return err
}

// Sync signals a sync opportunity and returns the pending queue length at the
// time of the signal.
func (c *ControlClient) Sync(ctx context.Context) (int, error) {
	reply, err := c.roundTrip(ctx, controlMessage{Type: "SYNC"})
	if err != nil {
		return 0, err
	}
	return reply.Pending, nil
}

// Push runs a push payload through the notification gateway and returns the
// displayable descriptor.
func (c *ControlClient) Push(ctx context.Context, p PushPayload) (Notification, error) {
	reply, err := c.roundTrip(ctx, controlMessage{Type: "PUSH", Push: &p})
	if err != nil {
		return Notification{}, err
	}
	if reply.Notification == nil {
		return Notification{}, fmt.Errorf("control: missing notification in reply")
	}
	return *reply.Notification, nil
}
