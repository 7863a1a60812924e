// Package fanout carries chat traffic between chat nodes.
package fanout

import (
	"chatcore/internal/protocol"
)

type Kind string

const (
	// KindDeliver carries a chat message to the listed recipients on Target.
	KindDeliver Kind = "deliver"
	// KindRoom carries an ephemeral room event to every node.
	KindRoom Kind = "room"
	// KindPresence carries presence changes to every node.
	KindPresence Kind = "presence"
)

type Envelope struct {
	Kind   Kind   `json:"kind"`
	Origin string `json:"origin"`
	Target string `json:"target,omitempty"`

	Recipients []string `json:"recipients,omitempty"`
	// Mirror marks a copy sent for extra devices of recipients already
	// served elsewhere; the receiver must not spool it.
	Mirror bool `json:"mirror,omitempty"`

	Room    string `json:"room,omitempty"`
	Exclude string `json:"exclude,omitempty"`

	Frame    *protocol.Frame `json:"frame,omitempty"`
	Presence *PresenceUpdate `json:"presence,omitempty"`
}

// PresenceUpdate is either a full snapshot of the origin's (user, room)
// pairs or a delta against the last one.
type PresenceUpdate struct {
	Snapshot bool            `json:"snapshot,omitempty"`
	Entries  []PresenceEntry `json:"entries,omitempty"`
}

type PresenceEntry struct {
	UserID  string `json:"userId"`
	Room    string `json:"room"`
	Present bool   `json:"present"`
}
