package cron

import "testing"

func TestRetryDelayMsDoublesEachAttempt(t *testing.T) {
	cases := []struct {
		k    int
		want int64
	}{
		{k: 1, want: 1000},
		{k: 2, want: 2000},
		{k: 3, want: 4000},
		{k: 4, want: 8000},
	}
	for _, c := range cases {
		got := retryDelayMs(1000, c.k)
		if got != c.want {
			t.Errorf("retryDelayMs(1000, %d) = %d, want %d", c.k, got, c.want)
		}
	}
}

func TestRetryDelayMsClampsBelowFirstAttempt(t *testing.T) {
	if got := retryDelayMs(500, 0); got != 500 {
		t.Errorf("retryDelayMs with k=0 should behave like k=1, got %d", got)
	}
}
