//go:build !linux

package crypto

func lockMemory(_ []byte) bool {
	return false
}

func unlockMemory(_ []byte) {}
