// Package output exports process records as OpenTelemetry spans.
//
// SpanSink opens one span per process instance, starting at its EventTimeUtc:
//   - the span's parent is the parent instance's span when that span is still open
//   - otherwise the instance starts its own trace, whose ID is its PidHash, under a remote
//     parent span ID derived from its ParentPidHash
//   - a stop record ends the span at EndTimeUtc
//   - a span pushed out of the bounded cache is ended early and tagged lineage.span_evicted
//
// Synthetic sentinel instances never get spans.
package output
