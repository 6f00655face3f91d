// Package geostream provides a streaming conversion core for geospatial
// vector formats: GeoJSON (FeatureCollection and newline-delimited), CSV
// with WKT geometry, and GeoParquet with WKB geometry.
//
// Conversions run in bounded memory. Sources are decoded incrementally,
// records are folded into fixed-capacity batches, and batches stream
// into the target sink, so input size never dictates resident set.
//
// # Architecture
//
// A conversion job moves through four stages:
//
// 1. Sampling: a bounded prefix of the source is decoded to infer a
// schema, promoting field types through Null, Int64, Float64 and Utf8
// as observed values demand.
//
// 2. Decoding: the source format's decoder emits records one at a time,
// tracking byte offsets so malformed input is reported by position.
//
// 3. Batching: an accumulator folds records into the single open batch
// and seals it at capacity, handing sealed batches downstream.
//
// 4. Writing: the target sink consumes sealed batches, encoding
// geometry into the target's native form (GeoJSON object, WKT text or
// WKB bytes) and finalizing trailing structure on close.
//
// # Quick Start
//
// Convert a GeoJSON file to GeoParquet:
//
//	import (
//	    "context"
//	    "github.com/geostreamio/geostream/internal/pipeline"
//	    "github.com/geostreamio/geostream/pkg/config"
//	)
//
//	cfg := config.New()
//	cfg.Source.Path = "cities.geojson"
//	cfg.Source.Format = "geojson"
//	cfg.Target.Path = "cities.parquet"
//	cfg.Target.Format = "geoparquet"
//
//	job, err := pipeline.Plan(cfg)
//	if err != nil {
//	    return err
//	}
//	result, err := job.Run(context.Background())
//
// # Key Packages
//
//	pkg/geom      - Canonical geometry model with GeoJSON, WKT and WKB codecs
//	pkg/record    - Pooled decoded records with ordered property keys
//	pkg/schema    - Sample-based schema inference and fingerprinting
//	pkg/batch     - Columnar batches and the sealing accumulator
//	pkg/format    - Format registry, decoders and sinks per format
//	pkg/config    - YAML job configuration with env substitution
//	pkg/errors    - Structured error handling with byte offsets
//	pkg/logger    - Structured logging
//	pkg/metrics   - Prometheus metrics for pipeline stages
//
// # Formats
//
// Source and target support by format:
//
//	geojson     - FeatureCollection documents, single writer, overwrite only
//	ndjson      - One feature per line, single writer, append supported
//	csv         - WKT geometry column, single writer, append supported
//	geoparquet  - WKB geometry with geo metadata, partitioned targets,
//	              overwrite only
//
// Gzip-compressed text sources are decompressed transparently by file
// extension. A directory source is treated as partition files and may
// be decoded concurrently.
package geostream
