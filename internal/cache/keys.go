package cache

import "fmt"

// JobKey holds the JSON snapshot of a settled job.
func JobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

// RateLimitKey holds a failure counter, e.g. "register:10.0.0.1".
func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
