// Package tensorcache is a persistent, content-addressed cache for the
// deterministic prefix of a data-loading pipeline.
//
// Each request is fingerprinted from the raw item and the pipeline that
// transforms it. On a miss the caller's pre-transform runs and every field
// of the resulting item is written to disk as a payload plus a JSON
// metadata record; a zero-length marker seals the entry once every field
// is durable. On a hit the fields are hydrated straight onto the target
// device, bypassing host memory when the device supports direct I/O.
//
// Several processes may share one cache directory without coordination.
// Metadata is published with an atomic create-if-absent, so the first
// writer wins and later writers keep their computed item.
//
// # Quick Start
//
//	c, err := tensorcache.New(tensorcache.WithDir("/data/cache"))
//	if err != nil {
//	    return err
//	}
//	pipe := fingerprint.NewPipeline(
//	    fingerprint.Step{Name: "LoadImage"},
//	    fingerprint.Step{Name: "ScaleIntensity", Params: map[string]any{"min": 0, "max": 1}},
//	)
//	item, err := c.GetOrCompute(ctx, raw, pipe, loadAndScale, acc)
//
// # Layout
//
// For a key K and field F the cache dir holds:
//
//	K           zero-length marker; present only when every field is committed
//	K-F         payload bytes
//	K-F-meta    JSON record: shape, dtype, attributes and payload descriptor
//
// Artifacts without a marker are never read.
package tensorcache
