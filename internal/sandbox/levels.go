package sandbox

import (
	"strings"

	"warden/internal/permission"
)

// Level is a coarse capability class the sandbox answers for without asking
// the permission manager.
type Level uint8

const (
	LevelCore Level = 1 << iota
	LevelFilesystem
	LevelNetwork
	LevelUI
	LevelSystem
	LevelInterprocess
)

var levelNames = []struct {
	l    Level
	name string
}{
	{LevelCore, "core"},
	{LevelFilesystem, "filesystem"},
	{LevelNetwork, "network"},
	{LevelUI, "ui"},
	{LevelSystem, "system"},
	{LevelInterprocess, "interprocess"},
}

func (l Level) String() string {
	for _, n := range levelNames {
		if n.l == l {
			return n.name
		}
	}
	return "unknown"
}

// LevelSet is an immutable snapshot of granted levels.
type LevelSet uint8

func (s LevelSet) Has(l Level) bool { return uint8(s)&uint8(l) != 0 }

func (s LevelSet) String() string {
	var parts []string
	for _, n := range levelNames {
		if s.Has(n.l) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

func (s LevelSet) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// LevelsFor maps granted capabilities to levels. Core is always present.
func LevelsFor(caps []permission.Capability) LevelSet {
	s := LevelSet(LevelCore)
	for _, c := range caps {
		switch c.Category {
		case permission.CategoryFileSystem:
			s |= LevelSet(LevelFilesystem)
		case permission.CategoryNetwork:
			s |= LevelSet(LevelNetwork)
		case permission.CategoryUI:
			s |= LevelSet(LevelUI)
		case permission.CategorySystem:
			s |= LevelSet(LevelSystem)
			if c.Sys.Contains(permission.SysIPC) {
				s |= LevelSet(LevelInterprocess)
			}
		}
	}
	return s
}
