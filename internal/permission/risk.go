package permission

// RiskLevel orders capabilities by how much harm a misbehaving plugin could do with them.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// RiskTable classifies capabilities. Anything not low or high is medium.
type RiskTable struct {
	LowUI                 UIFlags
	LowSystem             SystemFlags
	HighSystem            SystemFlags
	HTTPSOnlyLow          bool
	ReadOnlyFilesystemLow bool
}

// DefaultRiskTable: notifications and status bar are low risk, process and
// IPC access are high, https-only network to explicit hosts is low.
func DefaultRiskTable() RiskTable {
	return RiskTable{
		LowUI:        UINotifications | UIStatusBar,
		HighSystem:   SysProcesses | SysIPC,
		HTTPSOnlyLow: true,
	}
}

// Assess returns the risk of a single capability.
func (t RiskTable) Assess(c Capability) RiskLevel {
	switch c.Category {
	case CategoryFileSystem:
		if c.FS.Write {
			return RiskHigh
		}
		if t.ReadOnlyFilesystemLow {
			return RiskLow
		}
		return RiskMedium
	case CategoryNetwork:
		for _, h := range c.Net.Hosts {
			if hasMeta(h) {
				return RiskMedium
			}
		}
		if c.Net.HTTPSOnly && t.HTTPSOnlyLow {
			return RiskLow
		}
		return RiskMedium
	case CategoryUI:
		if t.LowUI.Contains(c.UI) {
			return RiskLow
		}
		return RiskMedium
	case CategorySystem:
		if c.Sys&t.HighSystem != 0 {
			return RiskHigh
		}
		if t.LowSystem.Contains(c.Sys) {
			return RiskLow
		}
		return RiskMedium
	}
	return RiskHigh
}

// Highest returns the maximum risk across caps.
func (t RiskTable) Highest(caps []Capability) RiskLevel {
	hi := RiskLow
	for _, c := range caps {
		if r := t.Assess(c); r > hi {
			hi = r
		}
	}
	return hi
}
