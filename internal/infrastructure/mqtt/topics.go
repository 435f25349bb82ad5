package mqtt

import (
	"strings"

	"github.com/litelens/litelens-core/internal/events"
)

// DefaultTopicPrefix is used when the configuration leaves topic_prefix empty.
const DefaultTopicPrefix = "litelens"

// noConnection stands in for the connection segment of events that are
// not tied to a connection.
const noConnection = "_"

// Topics builds the topic names the mirror publishes on.
//
//	topics := mqtt.Topics{Prefix: "litelens"}
//	topics.Event(events.TypeSchemaChanged, "c1")
//	// Returns: "litelens/events/schema.changed/c1"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// SystemStatus returns the retained online/offline status topic.
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// Event returns the topic for one event type on one connection.
func (t Topics) Event(typ events.Type, connID string) string {
	return t.prefix() + "/events/" + segment(string(typ)) + "/" + segment(connID)
}

// AllEvents returns a wildcard subscription matching every mirrored event.
func (t Topics) AllEvents() string {
	return t.prefix() + "/events/#"
}

// segment makes s safe to use as a single topic level.
func segment(s string) string {
	if s == "" {
		return noConnection
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
