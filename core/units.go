package core

// The wire and display layer talks in tokens per minute, the bucket in tokens
// per second. These two functions are the only conversion points.

// PerMinuteToPerSecond converts a displayed rate into a bucket limit.
func PerMinuteToPerSecond(perMinute float64) float64 {
	return perMinute / 60
}

// PerSecondToPerMinute converts a bucket limit into a displayed rate.
func PerSecondToPerMinute(perSecond float64) float64 {
	return perSecond * 60
}
