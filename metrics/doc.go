// Package metrics instruments transfers and the realtime connection with
// Prometheus counters, gauges, and histograms. A nil *Metrics records
// nothing, so instrumentation is opt-in: pass a registerer to New and hand
// the result to the upload coordinator, download manager, and realtime
// client.
package metrics
