package pubsub

import "fmt"

// HubEvents is the firehose topic carrying every hub-level event.
const HubEvents = "hub:events"

// FleetTopic carries presence diffs and fleet-wide activity.
func FleetTopic(fleetID string) string {
	return fmt.Sprintf("fleet:%s", fleetID)
}

// TagTopic carries activity scoped to one tag within a fleet.
func TagTopic(fleetID, tag string) string {
	return fmt.Sprintf("fleet:%s:tag:%s", fleetID, tag)
}

// AgentTopic is the per-agent delivery channel for direct messages and task
// pushes.
func AgentTopic(fleetID, agentID string) string {
	return fmt.Sprintf("fleet:%s:agent:%s", fleetID, agentID)
}

// MemoryTopic carries change notifications for one shared-memory key.
func MemoryTopic(fleetID, key string) string {
	return fmt.Sprintf("memory:%s:%s", fleetID, key)
}

// MemoryAllTopic carries change notifications for every key in the fleet.
func MemoryAllTopic(fleetID string) string {
	return MemoryTopic(fleetID, "_all")
}

// HubEventsTyped narrows the firehose to one event type.
func HubEventsTyped(eventType string) string {
	return fmt.Sprintf("%s:%s", HubEvents, eventType)
}
