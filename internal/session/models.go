package session

import (
	"time"
)

// Role defines what a participant may do in a session.
type Role string

const (
	// RoleHost has write authority over control actions (reveal, reset,
	// template changes, host transfer) and may vote.
	RoleHost Role = "host"
	// RoleAttendance may vote but holds no control authority.
	RoleAttendance Role = "attendance"
	// RoleGuest observes only and never holds a vote.
	RoleGuest Role = "guest"
)

// CanVote reports whether the role is allowed to hold a vote.
func (r Role) CanVote() bool {
	return r == RoleHost || r == RoleAttendance
}

// Participant is one member of a session. Insertion order is preserved in
// Session.Participants and drives deterministic host succession.
type Participant struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
	Vote     *string   `json:"vote,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
}

// HasVoted reports whether the participant currently holds a vote.
func (p *Participant) HasVoted() bool {
	return p.Vote != nil
}

// Template defines the estimation cards a session deals. A named preset
// carries its name; a custom template has Name empty and its own card list.
type Template struct {
	Name  string   `json:"name,omitempty"`
	Cards []string `json:"cards"`
}

// Builtin card presets.
var presetTemplates = map[string][]string{
	"fibonacci": {"0", "1", "2", "3", "5", "8", "13", "21", "34", "?"},
	"tshirt":    {"XS", "S", "M", "L", "XL", "XXL", "?"},
	"powers":    {"1", "2", "4", "8", "16", "32", "?"},
}

// RegisterPreset adds or replaces a named card preset. Called at startup for
// presets supplied via the config file.
func RegisterPreset(name string, cards []string) {
	if name == "" || len(cards) == 0 {
		return
	}
	presetTemplates[name] = append([]string(nil), cards...)
}

// DefaultTemplate returns the fibonacci preset.
func DefaultTemplate() Template {
	return Template{Name: "fibonacci", Cards: presetTemplates["fibonacci"]}
}

// PresetTemplate resolves a named preset. ok is false for unknown names.
func PresetTemplate(name string) (Template, bool) {
	cards, ok := presetTemplates[name]
	if !ok {
		return Template{}, false
	}
	return Template{Name: name, Cards: append([]string(nil), cards...)}, true
}

// Contains reports whether value is one of the template's cards.
func (t Template) Contains(value string) bool {
	for _, c := range t.Cards {
		if c == value {
			return true
		}
	}
	return false
}

// Session is the authoritative state of one planning-poker board.
type Session struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	Revealed     bool          `json:"revealed"`
	HostID       string        `json:"host_id"`
	Template     Template      `json:"template"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// participant returns a pointer into Participants for the given id, or nil.
func (s *Session) participant(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].ID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

// Host returns the hosting participant, or nil for a host-less session.
func (s *Session) Host() *Participant {
	if s.HostID == "" {
		return nil
	}
	return s.participant(s.HostID)
}

// allVotesIn reports whether every vote-eligible participant has voted.
// Vacuously false when nobody is eligible.
func (s *Session) allVotesIn() bool {
	eligible := 0
	for i := range s.Participants {
		if !s.Participants[i].Role.CanVote() {
			continue
		}
		eligible++
		if !s.Participants[i].HasVoted() {
			return false
		}
	}
	return eligible > 0
}

// clearVotes drops every vote and the revealed flag.
func (s *Session) clearVotes() {
	for i := range s.Participants {
		s.Participants[i].Vote = nil
	}
	s.Revealed = false
}

// prune removes participants whose last heartbeat is older than the liveness
// window and re-establishes the host invariant if the host aged out. Returns
// how many participants were dropped. Idempotent.
func (s *Session) prune(now time.Time, window time.Duration) int {
	if window <= 0 {
		return 0
	}
	kept := s.Participants[:0]
	removed := 0
	for i := range s.Participants {
		if now.Sub(s.Participants[i].LastSeen) > window {
			removed++
			continue
		}
		kept = append(kept, s.Participants[i])
	}
	s.Participants = kept
	if removed > 0 && s.Host() == nil {
		s.electHost()
	}
	return removed
}

// electHost re-establishes the host invariant: a participant already holding
// the host role wins, otherwise the first attendance participant by insertion
// order is promoted. If neither exists the session stays host-less and ages
// out on its own rather than being deleted here.
func (s *Session) electHost() {
	s.HostID = ""
	for i := range s.Participants {
		if s.Participants[i].Role == RoleHost {
			s.HostID = s.Participants[i].ID
			return
		}
	}
	for i := range s.Participants {
		if s.Participants[i].Role == RoleAttendance {
			s.Participants[i].Role = RoleHost
			s.HostID = s.Participants[i].ID
			return
		}
	}
}
