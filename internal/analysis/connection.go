package analysis

import "time"

// ConnectionStatus describes backend availability as seen by the poller.
type ConnectionStatus string

const (
	StatusConnecting ConnectionStatus = "connecting"
	StatusConnected  ConnectionStatus = "connected"
	StatusWaking     ConnectionStatus = "waking"
	StatusError      ConnectionStatus = "error"
)

// ClassifierConfig holds the thresholds used by Classify.
type ClassifierConfig struct {
	ColdStartThreshold time.Duration
	FailureThreshold   int
}

// DefaultClassifierConfig returns a 10s cold-start threshold and three failures.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		ColdStartThreshold: 10 * time.Second,
		FailureThreshold:   3,
	}
}

// Classify derives the connection status. Precedence: error, connected,
// waking, connecting.
func Classify(elapsed time.Duration, hasEverSucceeded bool, consecutiveFailures int, fatal bool, cfg ClassifierConfig) ConnectionStatus {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultClassifierConfig().FailureThreshold
	}
	switch {
	case fatal || consecutiveFailures >= threshold:
		return StatusError
	case hasEverSucceeded:
		return StatusConnected
	case elapsed > cfg.ColdStartThreshold:
		return StatusWaking
	default:
		return StatusConnecting
	}
}
