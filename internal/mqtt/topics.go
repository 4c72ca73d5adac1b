package mqtt

import (
	"fmt"
	"strings"
)

// Topics builds the topic hierarchy under one prefix:
//
//	<prefix>/status
//	<prefix>/<mac>/<channel>/state
//	<prefix>/<mac>/<channel>/set
//	<prefix>/<mac>/button/<index>
//	<prefix>/<mac>/motion/event
type Topics struct {
	Prefix string
}

// Status is the retained online/offline topic.
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// State is the retained state topic of one channel.
func (t Topics) State(mac, channel string) string {
	return fmt.Sprintf("%s/%s/%s/state", t.Prefix, mac, channel)
}

// Button carries button presses.
func (t Topics) Button(mac string, index int) string {
	return fmt.Sprintf("%s/%s/button/%d", t.Prefix, mac, index)
}

// Motion carries pushed motion events.
func (t Topics) Motion(mac string) string {
	return fmt.Sprintf("%s/%s/motion/event", t.Prefix, mac)
}

// AllCommands matches every channel command topic.
func (t Topics) AllCommands() string {
	return t.Prefix + "/+/+/set"
}

// ParseCommand extracts the MAC and channel from a command topic.
func (t Topics) ParseCommand(topic string) (mac, channel string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
