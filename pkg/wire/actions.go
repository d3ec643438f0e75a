package wire

// Client action names dispatched by the gateway
const (
	ActionPresenceUpdate      = "presence:update"
	ActionPresenceRoster      = "presence:roster"
	ActionActivityBroadcast   = "activity:broadcast"
	ActionActivitySubscribe   = "activity:subscribe"
	ActionActivityUnsubscribe = "activity:unsubscribe"
	ActionActivityHistory     = "activity:history"
	ActionDirectSend          = "direct:send"
	ActionDirectHistory       = "direct:history"
	ActionMemorySet           = "memory:set"
	ActionMemoryGet           = "memory:get"
	ActionMemoryDelete        = "memory:delete"
	ActionMemoryList          = "memory:list"
	ActionMemoryWatch         = "memory:watch"
	ActionMemoryUnwatch       = "memory:unwatch"
	ActionTaskSubmit          = "task:submit"
	ActionTaskResult          = "task:result"
	ActionTaskList            = "task:list"
	ActionTaskGet             = "task:get"
)

// Server-pushed event names
const (
	EventPresenceJoined       = "presence:joined"
	EventPresenceLeft         = "presence:left"
	EventPresenceStateChanged = "presence:state_changed"
	EventPresenceRoster       = "presence:roster"
	EventActivityBroadcast    = "activity:broadcast"
	EventMemoryChanged        = "memory:changed"
	EventDirectMessage        = "direct_message"
	EventTaskAssigned         = "task:assigned"
	EventTaskResult           = "task:result"
	EventTaskTimeout          = "task:timeout"
)
