package browser

import "context"

// CombineContext returns a context derived from primary that is also
// canceled when secondary is done. Values and deadline come from primary,
// so a chromedp tab context can be bounded by a caller's context without
// losing its CDP target.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)

	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}
