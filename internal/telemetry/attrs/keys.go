// Package attrs defines the OpenTelemetry attribute keys shared by the
// service middlewares, so metrics and spans describe calls the same way.
package attrs

const (
	// AttrMethod is the name of the Service method being invoked.
	AttrMethod = "method"
	// AttrKeyLength is the length in bytes of the cache key.
	AttrKeyLength = "key.len"
	// AttrValueSize is the size in bytes of the value written or read.
	AttrValueSize = "value.size"
	// AttrTTLMS is the requested time to live in milliseconds.
	AttrTTLMS = "ttl.ms"
	// AttrConsistencyLevel is the consistency level requested by the call.
	AttrConsistencyLevel = "consistency.level"
	// AttrHit reports whether a read found the key.
	AttrHit = "hit"
	// AttrDegraded reports whether the call completed below its consistency level.
	AttrDegraded = "degraded"
	// AttrRemovedCount is the number of keys removed by an invalidation.
	AttrRemovedCount = "removed.count"
	// AttrNodeID identifies the node serving the call.
	AttrNodeID = "node.id"
)
