package session

import (
	"time"
)

// Snapshot is the client-facing view of a session. Vote values belonging to
// other participants are masked until the session is revealed; the viewer's
// own vote is always present.
type Snapshot struct {
	ID           string                `json:"id"`
	Participants []ParticipantSnapshot `json:"participants"`
	Revealed     bool                  `json:"revealed"`
	HostID       string                `json:"host_id"`
	Template     Template              `json:"template"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// ParticipantSnapshot mirrors Participant with the vote masked as needed.
type ParticipantSnapshot struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Role     Role    `json:"role"`
	Vote     *string `json:"vote,omitempty"`
	HasVoted bool    `json:"has_voted"`
}

// Snapshot renders the session for the given viewer. An empty viewerID masks
// every unrevealed vote.
func (s *Session) Snapshot(viewerID string) Snapshot {
	snap := Snapshot{
		ID:           s.ID,
		Participants: make([]ParticipantSnapshot, 0, len(s.Participants)),
		Revealed:     s.Revealed,
		HostID:       s.HostID,
		Template:     s.Template,
		UpdatedAt:    s.UpdatedAt,
	}
	for i := range s.Participants {
		p := &s.Participants[i]
		ps := ParticipantSnapshot{
			ID:       p.ID,
			Name:     p.Name,
			Role:     p.Role,
			HasVoted: p.HasVoted(),
		}
		if p.HasVoted() && (s.Revealed || p.ID == viewerID) {
			v := *p.Vote
			ps.Vote = &v
		}
		snap.Participants = append(snap.Participants, ps)
	}
	return snap
}
