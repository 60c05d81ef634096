package cron

// retryDelayMs computes the deterministic, jitter-free backoff for the
// k-th retry (k starting at 1): backoff * 2^(k-1). No jitter, because the
// boundary-behavior tests name exact expected fire instants.
func retryDelayMs(backoffMs int64, k int) int64 {
	if k < 1 {
		k = 1
	}
	delay := backoffMs
	for i := 1; i < k; i++ {
		delay *= 2
	}
	return delay
}
