package service

// RetryDelay computes the exponential backoff applied when a task is
// requeued after a failed attempt:
//
//	delay = floor(baseDelay * 2^attemptsCount)
//
// in seconds. It is a pure function, exported so the policy can be
// tested and reasoned about independently of the engine.
func RetryDelay(baseDelay, attemptsCount int) int {
	if baseDelay <= 0 {
		return 0
	}
	if attemptsCount < 0 {
		attemptsCount = 0
	}
	return baseDelay << uint(attemptsCount)
}
