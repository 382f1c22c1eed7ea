package github

import "time"

// retryWait returns how long to sleep before retry n of a transient API
// failure. The window doubles from retryBaseDelay up to retryMaxDelay;
// the actual wait lands in the upper half of the window (equal jitter),
// so concurrent scan workers spread out without collapsing the minimum
// pause GitHub expects between retries.
func retryWait(attempt int, rng float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	window := retryBaseDelay
	for i := 1; i < attempt && window < retryMaxDelay; i++ {
		window *= 2
	}
	if window > retryMaxDelay {
		window = retryMaxDelay
	}
	if rng < 0 {
		rng = 0
	} else if rng > 1 {
		rng = 1
	}
	half := window / 2
	return half + time.Duration(rng*float64(half))
}
