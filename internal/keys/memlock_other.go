//go:build !linux && !darwin

package keys

func lockMemory(b []byte) error   { return ErrCustodyUnavailable }
func unlockMemory(b []byte) error { return nil }
