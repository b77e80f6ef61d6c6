//go:build !linux

package sandbox

func setRlimit(int, ResourceType, uint64) error { return errUnsupported }

func setNice(int, int) error { return errUnsupported }
