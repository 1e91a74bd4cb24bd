package domain

type (
	RoomName string
	RoomID   string
)

// RoomContext holds the facts about the current transport session.
// A new value is produced for every room the client joins.
type RoomContext struct {
	Label RoomName `json:"label"`
	// InstanceID is unique per physical room instance.
	InstanceID RoomID `json:"instance_id,omitempty"`
	// Participants counts the other participants currently present.
	Participants uint `json:"participants"`
	// ParticipantSID is the server-assigned id of the local participant in this instance.
	ParticipantSID string `json:"participant_sid,omitempty"`
	// OverrideID bypasses session id derivation entirely when set.
	OverrideID string `json:"override_id,omitempty"`
}

// Solo reports whether at most one other participant is present.
func (rc RoomContext) Solo() bool { return rc.Participants <= 1 }
