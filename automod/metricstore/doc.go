// Automod component holding bounded, append-only time series of numeric samples, keyed by metric name.
//
// The processor and moderation nodes record operational values (queue depth, latency, error counts) here; the alert engine and the policy manager read the most recent samples to evaluate threshold conditions.
package metricstore
