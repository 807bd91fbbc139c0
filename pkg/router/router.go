// Package router implements the per-node subscription router (C7,
// spec.md §4.7): a map from backbone subscriptions to local sockets, with
// a per-subject lock guarding the race between the last unsubscribe and a
// new subscribe to the same subject (spec.md §5).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/artcafe/pubsub-gateway/internal/telemetry"
	"github.com/artcafe/pubsub-gateway/pkg/backbone"
	"github.com/artcafe/pubsub-gateway/pkg/gwerrors"
	"github.com/artcafe/pubsub-gateway/pkg/registry"
	"github.com/artcafe/pubsub-gateway/pkg/subject"
)

// Message is a delivered backbone payload, carrying the subject and an
// ISO-8601 timestamp so a multiplexing client can distinguish topics
// (spec.md §4.7).
type Message struct {
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Socket is the narrow interface a connection exposes to the router, kept
// separate from the gateway package to avoid an import cycle. Deliver
// must not block.
type Socket interface {
	Deliver(msg Message)
}

// subjectEntry holds every local subscriber for one subject plus the
// backbone subscription handle, if one is open.
type subjectEntry struct {
	mu          sync.Mutex
	subscribers map[string]Socket // principal_id -> socket
	handle      backbone.Handle
	hasHandle   bool
}

// Router is the per-node subscription fan-out table.
type Router struct {
	bridge   backbone.Bridge
	registry registry.Registry

	mu      sync.Mutex
	entries map[string]*subjectEntry

	// principalSubjects tracks, for cascade cleanup on disconnect, which
	// subjects each principal has a local entry for.
	principalSubjects map[string]map[string]struct{}
}

// New constructs a Router over an existing bridge and registry.
func New(bridge backbone.Bridge, reg registry.Registry) *Router {
	return &Router{
		bridge:            bridge,
		registry:          reg,
		entries:           make(map[string]*subjectEntry),
		principalSubjects: make(map[string]map[string]struct{}),
	}
}

// Subscribe validates subj against tenantID (C1), opens a backbone
// subscription if this node has no other local subscriber for subj, and
// records the subscription in C4.
func (r *Router) Subscribe(ctx context.Context, tenantID, principalID, subj string, nodeID string, ttl time.Duration, sock Socket) error {
	if !subject.Validate(subj, tenantID) {
		return gwerrors.New(gwerrors.ForbiddenSubject, fmt.Sprintf("subject %q is not in tenant %q's namespace", subj, tenantID))
	}

	entry := r.entryFor(subj)

	entry.mu.Lock()
	if len(entry.subscribers) == 0 {
		handle, err := r.bridge.Subscribe(ctx, subj, func(deliveredSubject string, data []byte) {
			r.deliverLocal(subj, deliveredSubject, data)
		})
		if err != nil {
			entry.mu.Unlock()
			return gwerrors.Wrap(gwerrors.BridgeUnavailable, err, "opening backbone subscription")
		}
		entry.handle = handle
		entry.hasHandle = true
	}
	entry.subscribers[principalID] = sock
	entry.mu.Unlock()

	r.trackPrincipal(principalID, subj)
	telemetry.SubscriptionsActive.Inc()

	if err := r.registry.AddSub(ctx, principalID, subj, nodeID, ttl); err != nil {
		return gwerrors.Wrap(gwerrors.RegistryUnavailable, err, "recording subscription")
	}

	return nil
}

// Unsubscribe removes principalID's local interest in subj. When it was
// the last local subscriber, the backbone subscription is closed.
func (r *Router) Unsubscribe(ctx context.Context, principalID, subj string) error {
	r.mu.Lock()
	entry, ok := r.entries[subj]
	r.mu.Unlock()

	if ok {
		entry.mu.Lock()
		delete(entry.subscribers, principalID)
		empty := len(entry.subscribers) == 0
		var handle backbone.Handle
		hadHandle := entry.hasHandle
		if empty && entry.hasHandle {
			handle = entry.handle
			entry.hasHandle = false
		}
		entry.mu.Unlock()

		if empty {
			r.mu.Lock()
			delete(r.entries, subj)
			r.mu.Unlock()
			if hadHandle {
				if err := r.bridge.Unsubscribe(ctx, handle); err != nil {
					return gwerrors.Wrap(gwerrors.BridgeUnavailable, err, "closing backbone subscription")
				}
			}
		}
		telemetry.SubscriptionsActive.Dec()
	}

	r.untrackPrincipal(principalID, subj)

	if err := r.registry.RemoveSub(ctx, principalID, subj); err != nil {
		return gwerrors.Wrap(gwerrors.RegistryUnavailable, err, "removing subscription record")
	}

	return nil
}

// RemoveAll drops every local subscription principalID holds, for use
// when a connection transitions to CLOSING.
func (r *Router) RemoveAll(ctx context.Context, principalID string) error {
	r.mu.Lock()
	subjects := make([]string, 0, len(r.principalSubjects[principalID]))
	for s := range r.principalSubjects[principalID] {
		subjects = append(subjects, s)
	}
	r.mu.Unlock()

	var firstErr error
	for _, subj := range subjects {
		if err := r.Unsubscribe(ctx, principalID, subj); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) entryFor(subj string) *subjectEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[subj]
	if !ok {
		entry = &subjectEntry{subscribers: make(map[string]Socket)}
		r.entries[subj] = entry
	}
	return entry
}

func (r *Router) trackPrincipal(principalID, subj string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.principalSubjects[principalID] == nil {
		r.principalSubjects[principalID] = make(map[string]struct{})
	}
	r.principalSubjects[principalID][subj] = struct{}{}
}

func (r *Router) untrackPrincipal(principalID, subj string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.principalSubjects[principalID]; ok {
		delete(subs, subj)
		if len(subs) == 0 {
			delete(r.principalSubjects, principalID)
		}
	}
}

// deliverLocal fans a backbone delivery out to every local subscriber of
// subscribedSubj, attaching the subject the message was actually delivered
// on (for a wildcard subscription, the concrete match rather than the
// pattern) and an RFC3339 timestamp.
func (r *Router) deliverLocal(subscribedSubj, deliveredSubj string, data []byte) {
	r.mu.Lock()
	entry, ok := r.entries[subscribedSubj]
	r.mu.Unlock()
	if !ok {
		return
	}

	msg := Message{
		Subject:   deliveredSubj,
		Data:      json.RawMessage(data),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	entry.mu.Lock()
	sockets := make([]Socket, 0, len(entry.subscribers))
	for _, sock := range entry.subscribers {
		sockets = append(sockets, sock)
	}
	entry.mu.Unlock()

	for _, sock := range sockets {
		sock.Deliver(msg)
	}
}
