package permission

import "time"

// Token is the live grant for one plugin. A plugin holds at most one; a new
// grant replaces the previous token rather than merging with it.
type Token struct {
	ID           string       `json:"id"`
	PluginID     string       `json:"plugin_id"`
	Capabilities []Capability `json:"capabilities"`
	GrantedAt    time.Time    `json:"granted_at"`
	// ExpiresAt is zero for tokens that never expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Covers reports whether any granted capability covers r.
func (t Token) Covers(r Capability) bool {
	for _, c := range t.Capabilities {
		if c.Covers(r) {
			return true
		}
	}
	return false
}

// CoversAll reports whether every capability in rs is covered.
func (t Token) CoversAll(rs []Capability) bool {
	for _, r := range rs {
		if !t.Covers(r) {
			return false
		}
	}
	return true
}

// Categories lists the distinct categories granted.
func (t Token) Categories() []Category {
	seen := map[Category]bool{}
	var out []Category
	for _, c := range t.Capabilities {
		if !seen[c.Category] {
			seen[c.Category] = true
			out = append(out, c.Category)
		}
	}
	return out
}
