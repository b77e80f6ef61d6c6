package plugin

import (
	"time"

	"warden/internal/permission"
)

// Status is a plugin's lifecycle state.
type Status string

const (
	// StatusInstalled is only reported on the install event; a fresh
	// install is persisted as Disabled.
	StatusInstalled    Status = "installed"
	StatusEnabled      Status = "enabled"
	StatusDisabled     Status = "disabled"
	StatusError        Status = "error"
	StatusIncompatible Status = "incompatible"
)

// Record is the persisted identity and lifecycle state of one installed
// plugin. The embedded manifest is the one currently on disk.
type Record struct {
	ID string `json:"id"`
	Manifest
	InstallPath string `json:"install_path"`
	Status      Status `json:"status"`
	// Reason explains Error and Incompatible.
	Reason             string                  `json:"reason,omitempty"`
	GrantedPermissions []permission.Capability `json:"granted_permissions"`
	InstalledAt        time.Time               `json:"installed_at"`
	UpdatedAt          *time.Time              `json:"updated_at,omitempty"`
}

func (r Record) clone() Record {
	out := r
	out.Permissions = append([]permission.Descriptor(nil), r.Permissions...)
	out.GrantedPermissions = append([]permission.Capability(nil), r.GrantedPermissions...)
	if r.UpdatedAt != nil {
		t := *r.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

// Info is a Record plus what the loader knows about it at runtime.
type Info struct {
	Record
	Running   bool      `json:"running"`
	SandboxID string    `json:"sandbox_id,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Events    []string  `json:"events,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}
