package telemetry

import "sync"

// ResetMetricsForTest clears cached instruments so tests can install a fresh
// meter provider.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	redirectCounter = nil
	rewriteCounter = nil
	imageRequestCounter = nil
	headersAppliedCounter = nil
}
