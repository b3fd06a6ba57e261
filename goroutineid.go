package uthread

import (
	"runtime"
)

// getGoroutineID parses the id from the first line of the current
// goroutine's stack trace, "goroutine 123 [running]:".
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for _, c := range buf[len("goroutine "):n] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
