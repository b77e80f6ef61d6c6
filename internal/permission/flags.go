package permission

import (
	"fmt"
	"sort"
	"strings"
)

// UIFlags is a checked set of UI capabilities.
type UIFlags uint8

const (
	UINotifications UIFlags = 1 << iota
	UIDialogs
	UIMenus
	UIStatusBar

	uiAll = UINotifications | UIDialogs | UIMenus | UIStatusBar
)

var uiNames = map[UIFlags]string{
	UINotifications: "notifications",
	UIDialogs:       "dialogs",
	UIMenus:         "menus",
	UIStatusBar:     "status_bar",
}

// SystemFlags is a checked set of system capabilities.
type SystemFlags uint8

const (
	SysClipboard SystemFlags = 1 << iota
	SysEnvironment
	SysProcesses
	SysIPC

	sysAll = SysClipboard | SysEnvironment | SysProcesses | SysIPC
)

var sysNames = map[SystemFlags]string{
	SysClipboard:   "clipboard",
	SysEnvironment: "environment",
	SysProcesses:   "processes",
	SysIPC:         "ipc",
}

// NewUIFlags accepts a raw bit pattern and rejects unknown bits.
func NewUIFlags(bits uint8) (UIFlags, error) {
	f := UIFlags(bits)
	if f&^uiAll != 0 {
		return 0, fmt.Errorf("%w: ui bits %#x", ErrInvalidCapability, bits)
	}
	return f, nil
}

// NewSystemFlags accepts a raw bit pattern and rejects unknown bits.
func NewSystemFlags(bits uint8) (SystemFlags, error) {
	f := SystemFlags(bits)
	if f&^sysAll != 0 {
		return 0, fmt.Errorf("%w: system bits %#x", ErrInvalidCapability, bits)
	}
	return f, nil
}

func ParseUIFlags(names ...string) (UIFlags, error) {
	var f UIFlags
	for _, n := range names {
		bit, ok := lookup(uiNames, n)
		if !ok {
			return 0, fmt.Errorf("%w: unknown ui flag %q", ErrInvalidCapability, n)
		}
		f |= bit
	}
	return f, nil
}

func ParseSystemFlags(names ...string) (SystemFlags, error) {
	var f SystemFlags
	for _, n := range names {
		bit, ok := lookup(sysNames, n)
		if !ok {
			return 0, fmt.Errorf("%w: unknown system flag %q", ErrInvalidCapability, n)
		}
		f |= bit
	}
	return f, nil
}

func (f UIFlags) Contains(o UIFlags) bool         { return f&o == o }
func (f SystemFlags) Contains(o SystemFlags) bool { return f&o == o }

func (f UIFlags) Names() []string     { return names(uiNames, f) }
func (f SystemFlags) Names() []string { return names(sysNames, f) }

func lookup[F ~uint8](table map[F]string, name string) (F, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for bit, n := range table {
		if n == name {
			return bit, true
		}
	}
	return 0, false
}

func names[F ~uint8](table map[F]string, f F) []string {
	out := make([]string, 0, len(table))
	for bit, n := range table {
		if f&bit != 0 {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
