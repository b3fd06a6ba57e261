//go:build !linux

package uthread

// NewTimer returns the preferred Timer for the platform, which is
// [NewTickerTimer] outside of Linux.
func NewTimer() Timer {
	return NewTickerTimer()
}
