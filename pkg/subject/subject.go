// Package subject builds and validates the backbone subject namespace.
// Every function here is pure and allocation-light: no I/O, no locks, so it
// can sit on the hot path of every subscribe and publish.
package subject

import (
	"fmt"
	"strings"
)

const (
	rootTenant   = "tenant"
	rootAgents   = "agents"
	rootPresence = "_presence"
)

// Validate reports whether subject lies within tenantID's namespace. It is
// the single gate every publish and subscribe operation must pass; a
// cross-tenant subject must never reach the backbone.
func Validate(subj, tenantID string) bool {
	for _, prefix := range []string{
		rootTenant + "." + tenantID + ".",
		rootAgents + "." + tenantID + ".",
		rootPresence + "." + tenantID + ".",
	} {
		if strings.HasPrefix(subj, prefix) {
			return true
		}
	}
	return false
}

// Channel builds `tenant.<tenant_id>.channel.<channel_id>`.
func Channel(tenantID, channelID string) string {
	return fmt.Sprintf("%s.%s.channel.%s", rootTenant, tenantID, channelID)
}

// Agent builds `tenant.<tenant_id>.agent.<agent_id>`, direct addressing to
// a single agent.
func Agent(tenantID, agentID string) string {
	return fmt.Sprintf("%s.%s.agent.%s", rootTenant, tenantID, agentID)
}

// Task builds `agents.<tenant_id>.task.<capability>.<specificity>`.
func Task(tenantID, capability, specificity string) string {
	return fmt.Sprintf("%s.%s.task.%s.%s", rootAgents, tenantID, capability, specificity)
}

// TaskWildcard builds the capability-scoped wildcard an agent auto-subscribes
// to for every capability it advertises: `agents.<tenant_id>.task.<capability>.>`.
func TaskWildcard(tenantID, capability string) string {
	return fmt.Sprintf("%s.%s.task.%s.>", rootAgents, tenantID, capability)
}

// Result builds `agents.<tenant_id>.result.<agent_id>.<task_type>`.
func Result(tenantID, agentID, taskType string) string {
	return fmt.Sprintf("%s.%s.result.%s.%s", rootAgents, tenantID, agentID, taskType)
}

// Event builds `agents.<tenant_id>.event.<event_type>[.<specificity>]`.
func Event(tenantID, eventType string, specificity ...string) string {
	if len(specificity) > 0 && specificity[0] != "" {
		return fmt.Sprintf("%s.%s.event.%s.%s", rootAgents, tenantID, eventType, specificity[0])
	}
	return fmt.Sprintf("%s.%s.event.%s", rootAgents, tenantID, eventType)
}

// StatusChangedEvent builds the subject C5 publishes a status_changed event to.
func StatusChangedEvent(tenantID string) string {
	return Event(tenantID, "status_changed")
}

// CommandBroadcast is the literal target segment for a broadcast command.
const CommandBroadcast = "broadcast"

// Command builds `agents.<tenant_id>.command.<agent_id|broadcast>`.
func Command(tenantID, target string) string {
	return fmt.Sprintf("%s.%s.command.%s", rootAgents, tenantID, target)
}

// Heartbeat builds `agents.<tenant_id>.heartbeat`, the tenant's heartbeat
// subject in the agents namespace. The presence monitor does not subscribe
// to it; beacons sent directly over the backbone are read from
// PresenceHeartbeat subjects.
func Heartbeat(tenantID string) string {
	return fmt.Sprintf("%s.%s.heartbeat", rootAgents, tenantID)
}

// PresenceHeartbeat builds `_heartbeat.<tenant_id>.<agent_id>`, the
// out-of-band presence channel agents may publish to directly.
func PresenceHeartbeat(tenantID, agentID string) string {
	return fmt.Sprintf("_heartbeat.%s.%s", tenantID, agentID)
}

// DiscoveryRequests builds `agents.<tenant_id>.discovery.requests`.
func DiscoveryRequests(tenantID string) string {
	return fmt.Sprintf("%s.%s.discovery.requests", rootAgents, tenantID)
}

// DiscoveryResponse builds `agents.<tenant_id>.discovery.responses.<id>`.
func DiscoveryResponse(tenantID, id string) string {
	return fmt.Sprintf("%s.%s.discovery.responses.%s", rootAgents, tenantID, id)
}

// Presence builds `_presence.<tenant_id>.<principal_id>`.
func Presence(tenantID, principalID string) string {
	return fmt.Sprintf("%s.%s.%s", rootPresence, tenantID, principalID)
}

// AgentCommandSubjects returns the subjects an agent auto-subscribes to on
// admission: its own direct command address and the tenant-wide broadcast.
func AgentCommandSubjects(tenantID, agentID string) []string {
	return []string{
		Command(tenantID, agentID),
		Command(tenantID, CommandBroadcast),
	}
}

// DashboardWildcards returns the subjects a dashboard auto-subscribes to on
// admission, scoped to the dashboard role's visibility.
func DashboardWildcards(tenantID string) []string {
	return []string{
		fmt.Sprintf("%s.%s.>", rootAgents, tenantID),
		fmt.Sprintf("%s.%s.channel.>", rootTenant, tenantID),
	}
}

// ValidateCapability reports whether a capability string is safe to
// interpolate into a subject: non-empty, no dots (which would split the
// subject into extra tokens), and no wildcard characters.
func ValidateCapability(capability string) bool {
	if capability == "" {
		return false
	}
	return !strings.ContainsAny(capability, ".*>")
}
