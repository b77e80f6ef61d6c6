// Package logx is warden's logging layer over zerolog: readable console
// lines, JSON files, a rate-limited forwarder that strips secrets, and
// throttled loggers for plugin-originated output.
package logx
