// Package broadcast fans auction snapshots and notifications out to the
// subscribers of each tournament.
package broadcast

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event names pushed to subscribers.
const (
	EventStateUpdate  = "auction_state_update"
	EventSquadUpdate  = "squad_update"
	EventPoolsUpdate  = "pools_update"
	EventNotification = "auction_notification"
	EventError        = "error"
)

// Message is one pushed event. It encodes as {"event": ..., "data": ...}.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Notification is the payload of an auction_notification.
type Notification struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Subscriber receives messages for the tournaments it joined.
type Subscriber interface {
	ID() string
	// Send queues msg without blocking. It returns false when the
	// subscriber is gone or cannot keep up; the hub then drops it.
	Send(msg Message) bool
}

// Hub keeps per-tournament subscriber groups. It is safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	groups  map[string]map[string]Subscriber // tournament -> subscriber id -> subscriber
	joined  map[string]map[string]struct{}   // subscriber id -> tournaments
	logger  *slog.Logger
	sent    metric.Int64Counter
	dropped metric.Int64Counter
	members metric.Int64UpDownCounter
}

// NewHub returns an empty Hub.
func NewHub(logger *slog.Logger, mp metric.MeterProvider) *Hub {
	meter := mp.Meter("github.com/jensholdgaard/cricket-auction/internal/broadcast")
	sent, _ := meter.Int64Counter("broadcast.messages",
		metric.WithDescription("Messages delivered to subscribers."))
	dropped, _ := meter.Int64Counter("broadcast.dropped",
		metric.WithDescription("Subscribers dropped because a send failed."))
	members, _ := meter.Int64UpDownCounter("broadcast.subscribers",
		metric.WithDescription("Current tournament group memberships."))

	return &Hub{
		groups:  make(map[string]map[string]Subscriber),
		joined:  make(map[string]map[string]struct{}),
		logger:  logger,
		sent:    sent,
		dropped: dropped,
		members: members,
	}
}

// Join adds sub to the tournament's group and sends it snapshot right away.
// Joining a group twice only resends the snapshot.
func (h *Hub) Join(sub Subscriber, tournamentID string, snapshot Message) {
	h.mu.Lock()
	group, ok := h.groups[tournamentID]
	if !ok {
		group = make(map[string]Subscriber)
		h.groups[tournamentID] = group
	}
	_, already := group[sub.ID()]
	group[sub.ID()] = sub
	if h.joined[sub.ID()] == nil {
		h.joined[sub.ID()] = make(map[string]struct{})
	}
	h.joined[sub.ID()][tournamentID] = struct{}{}
	h.mu.Unlock()

	if !already {
		h.members.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tournament_id", tournamentID)))
	}
	h.deliver(tournamentID, []Subscriber{sub}, snapshot)
}

// Broadcast sends msg to every subscriber of the tournament at most once.
// Subscribers whose Send fails are removed; the rest still receive msg.
func (h *Hub) Broadcast(tournamentID string, msg Message) {
	h.mu.RLock()
	group := h.groups[tournamentID]
	subs := make([]Subscriber, 0, len(group))
	for _, s := range group {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	h.deliver(tournamentID, subs, msg)
}

// Notify sends an auction_notification to the tournament's subscribers.
func (h *Hub) Notify(tournamentID, message, kind string) {
	h.Broadcast(tournamentID, Message{
		Event: EventNotification,
		Data:  Notification{Message: message, Type: kind},
	})
}

// Leave removes the subscriber from every group.
func (h *Hub) Leave(subID string) {
	h.mu.Lock()
	tids := make([]string, 0, len(h.joined[subID]))
	for tid := range h.joined[subID] {
		tids = append(tids, tid)
	}
	h.mu.Unlock()

	for _, tid := range tids {
		h.LeaveGroup(subID, tid)
	}
}

// LeaveGroup removes the subscriber from one tournament's group.
func (h *Hub) LeaveGroup(subID, tournamentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(subID, tournamentID)
}

// Count returns the number of subscribers in the tournament's group.
func (h *Hub) Count(tournamentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[tournamentID])
}

// Groups returns the tournaments that have at least one subscriber.
func (h *Hub) Groups() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.groups))
	for id := range h.groups {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (h *Hub) deliver(tournamentID string, subs []Subscriber, msg Message) {
	attrs := metric.WithAttributes(
		attribute.String("tournament_id", tournamentID),
		attribute.String("event", msg.Event),
	)

	var failed []Subscriber
	for _, s := range subs {
		if s.Send(msg) {
			h.sent.Add(context.Background(), 1, attrs)
			continue
		}
		failed = append(failed, s)
	}
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, s := range failed {
		// Only drop the instance that failed; the id may have rejoined.
		if cur, ok := h.groups[tournamentID][s.ID()]; ok && cur == s {
			h.remove(s.ID(), tournamentID)
		}
	}
	h.mu.Unlock()

	for _, s := range failed {
		h.dropped.Add(context.Background(), 1, attrs)
		h.logger.Debug("dropped subscriber",
			slog.String("tournament_id", tournamentID),
			slog.String("subscriber_id", s.ID()),
			slog.String("event", msg.Event),
		)
	}
}

// remove must be called with h.mu held.
func (h *Hub) remove(subID, tournamentID string) {
	group, ok := h.groups[tournamentID]
	if !ok {
		return
	}
	if _, ok := group[subID]; !ok {
		return
	}
	delete(group, subID)
	if len(group) == 0 {
		delete(h.groups, tournamentID)
	}
	if tids := h.joined[subID]; tids != nil {
		delete(tids, tournamentID)
		if len(tids) == 0 {
			delete(h.joined, subID)
		}
	}
	h.members.Add(context.Background(), -1, metric.WithAttributes(attribute.String("tournament_id", tournamentID)))
}
