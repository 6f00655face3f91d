// Package pipeline runs conversion jobs: sample the source to infer a
// schema, then pull records through the decoder, accumulate them into
// sealed batches, and push the batches into the target sink.
//
// A source may be a directory of partition files. Partitions are
// decoded in parallel, each with its own decoder and accumulator, so
// they share nothing but the immutable schema; only the sink is a
// single consumer, fed sealed batches in arrival order.
package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/geostreamio/geostream/pkg/batch"
	"github.com/geostreamio/geostream/pkg/config"
	"github.com/geostreamio/geostream/pkg/errors"
	"github.com/geostreamio/geostream/pkg/format"
	"github.com/geostreamio/geostream/pkg/geom"
	"github.com/geostreamio/geostream/pkg/logger"
	"github.com/geostreamio/geostream/pkg/metrics"
	"github.com/geostreamio/geostream/pkg/schema"
)

// Result summarizes a finished conversion job
type Result struct {
	JobID    string
	Schema   *schema.Schema
	Records  int64
	Batches  int64
	Duration time.Duration
}

// Job is a planned conversion, validated and ready to run
type Job struct {
	id         string
	cfg        *config.Config
	source     format.Name
	target     format.Name
	log        *zap.Logger
	throughput *metrics.ThroughputTracker
}

// Plan validates the configuration and resolves both formats. Partition
// counts above one are collapsed for single-writer targets, with a
// warning, rather than failing the job.
func Plan(cfg *config.Config) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}

	source, err := format.Parse(cfg.Source.Format)
	if err != nil {
		return nil, err
	}
	target, err := format.Parse(cfg.Target.Format)
	if err != nil {
		return nil, err
	}

	if cfg.Target.Mode == config.ModeAppend && !format.SupportsAppend(target) {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"format %q does not support append mode", target)
	}

	if hint := cfg.Geometry.TypeHint; hint != "" {
		switch geom.Type(hint) {
		case geom.TypePoint, geom.TypeLineString, geom.TypePolygon,
			geom.TypeMultiPoint, geom.TypeMultiLineString,
			geom.TypeMultiPolygon, geom.TypeGeometryCollection, geom.TypeMixed:
		default:
			return nil, errors.Newf(errors.ErrorTypeConfig, "unknown geometry type hint %q", hint)
		}
	}

	id := uuid.New().String()
	log := logger.With(
		zap.String("job_id", id),
		zap.String("source_format", string(source)),
		zap.String("target_format", string(target)),
	)

	if cfg.Target.Partitions > 1 && format.SingleWriter(target) {
		log.Warn("format only supports single-partition writes, collapsing to one writer",
			zap.String("format", string(target)),
			zap.Int("requested_partitions", cfg.Target.Partitions))
		cfg.Target.Partitions = 1
	}

	return &Job{
		id:         id,
		cfg:        cfg,
		source:     source,
		target:     target,
		log:        log,
		throughput: metrics.NewThroughputTracker(),
	}, nil
}

// Run executes the job to completion or the first error
func (j *Job) Run(ctx context.Context) (*Result, error) {
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	start := time.Now()

	ctx = context.WithValue(ctx, logger.JobIDKey, j.id)
	ctx = context.WithValue(ctx, logger.FormatKey, string(j.source))

	sources, err := j.expandSources()
	if err != nil {
		return nil, err
	}

	s, err := j.inferSchema(ctx, sources[0])
	if err != nil {
		return nil, err
	}

	sink, err := format.OpenSink(ctx, j.target, j.cfg.Target.Path, s, j.options())
	if err != nil {
		return nil, err
	}

	records, batches, err := j.convert(ctx, sources, s, sink)
	if cerr := sink.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		metrics.RecordsDecoded.WithLabelValues(string(j.source), "failure").Inc()
		j.log.Error("conversion failed",
			zap.Int64("records", records),
			zap.Error(err))
		return nil, err
	}

	result := &Result{
		JobID:    j.id,
		Schema:   s,
		Records:  records,
		Batches:  batches,
		Duration: time.Since(start),
	}
	j.log.Info("conversion complete",
		zap.Int64("records", records),
		zap.Int64("batches", batches),
		zap.Int("source_files", len(sources)),
		zap.Float64("records_per_second", j.throughput.GetAndReset()),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// expandSources resolves the source path to the list of partition files.
// A directory source decodes every regular file it contains, in name
// order so runs are deterministic.
func (j *Job) expandSources() ([]string, error) {
	info, err := os.Stat(j.cfg.Source.Path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to stat source")
	}
	if !info.IsDir() {
		return []string{j.cfg.Source.Path}, nil
	}

	entries, err := os.ReadDir(j.cfg.Source.Path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeIO, "failed to list source directory")
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			paths = append(paths, filepath.Join(j.cfg.Source.Path, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, errors.New(errors.ErrorTypeIO, "source directory contains no files")
	}
	sort.Strings(paths)
	return paths, nil
}

func (j *Job) inferSchema(ctx context.Context, samplePath string) (*schema.Schema, error) {
	timer := metrics.NewTimer("infer", string(j.source))
	s, err := format.InferSchema(ctx, j.source, samplePath, j.options())
	timer.Stop()
	if err != nil {
		return nil, err
	}
	if verr := s.Validate(); verr != nil {
		return nil, verr
	}

	j.log.Info("schema inferred",
		zap.Int("fields", len(s.Fields)),
		zap.Uint64("fingerprint", s.Fingerprint()))
	return s, nil
}

// convert moves every record from the sources into the sink. With one
// source file the pipeline runs inline; with several, partition workers
// decode in parallel and the sink drains their sealed batches.
func (j *Job) convert(ctx context.Context, sources []string, s *schema.Schema, sink format.Sink) (int64, int64, error) {
	workers := j.cfg.Source.Partitions
	if workers > len(sources) {
		workers = len(sources)
	}

	if len(sources) == 1 {
		return j.convertOne(ctx, sources[0], s, sink)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		firstErr  error
		errOnce   sync.Once
		failed    atomic.Bool
		records   atomic.Int64
		batchesCh = make(chan *batch.Batch, workers)
		paths     = make(chan string, len(sources))
		wg        sync.WaitGroup
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			failed.Store(true)
			cancel()
		})
	}

	for _, p := range sources {
		paths <- p
	}
	close(paths)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range paths {
				n, err := j.decodePartition(ctx, path, s, batchesCh)
				records.Add(n)
				if err != nil {
					fail(err)
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(batchesCh)
	}()

	var batches int64
	for b := range batchesCh {
		if failed.Load() {
			continue // drain so workers do not block
		}
		if err := j.writeBatch(ctx, sink, b); err != nil {
			fail(err)
		}
		batches++
	}
	if firstErr != nil {
		return records.Load(), batches, firstErr
	}

	metrics.RecordsDecoded.WithLabelValues(string(j.source), "success").Add(float64(records.Load()))
	metrics.RecordsWritten.WithLabelValues(string(j.target), "success").Add(float64(records.Load()))
	return records.Load(), batches, nil
}

// decodePartition decodes one partition file into sealed batches. Each
// partition owns its decoder and accumulator; the channel is the only
// shared structure.
func (j *Job) decodePartition(ctx context.Context, path string, s *schema.Schema, out chan<- *batch.Batch) (int64, error) {
	decoder, err := format.OpenDecoder(ctx, j.source, path, s, j.options())
	if err != nil {
		return 0, err
	}
	defer decoder.Close()

	acc := batch.NewAccumulator(s, j.cfg.Batch.Size)
	var records int64

	send := func(b *batch.Batch) error {
		select {
		case out <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		rec, err := decoder.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, err
		}
		records++

		sealed, err := acc.Add(rec)
		rec.Release()
		if err != nil {
			return records, err
		}
		if sealed != nil {
			if serr := send(sealed); serr != nil {
				return records, serr
			}
		}
	}
	if tail := acc.Flush(); tail != nil {
		if serr := send(tail); serr != nil {
			return records, serr
		}
	}
	logger.WithContext(ctx).Debug("partition decoded",
		zap.String("path", path),
		zap.Int64("records", records))
	return records, nil
}

// convertOne is the inline single-source path: no goroutines, the sink
// is written between decoder pulls
func (j *Job) convertOne(ctx context.Context, path string, s *schema.Schema, sink format.Sink) (int64, int64, error) {
	decoder, err := format.OpenDecoder(ctx, j.source, path, s, j.options())
	if err != nil {
		return 0, 0, err
	}
	defer decoder.Close()

	acc := batch.NewAccumulator(s, j.cfg.Batch.Size)
	var records, batches int64

	for {
		rec, err := decoder.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, batches, err
		}
		records++

		sealed, err := acc.Add(rec)
		rec.Release()
		if err != nil {
			return records, batches, err
		}
		if sealed != nil {
			if werr := j.writeBatch(ctx, sink, sealed); werr != nil {
				return records, batches, werr
			}
			batches++
		}
	}

	if tail := acc.Flush(); tail != nil {
		if werr := j.writeBatch(ctx, sink, tail); werr != nil {
			return records, batches, werr
		}
		batches++
	}

	metrics.RecordsDecoded.WithLabelValues(string(j.source), "success").Add(float64(records))
	metrics.RecordsWritten.WithLabelValues(string(j.target), "success").Add(float64(records))
	return records, batches, nil
}

func (j *Job) writeBatch(ctx context.Context, sink format.Sink, b *batch.Batch) error {
	timer := metrics.NewTimer("write", string(j.target))
	err := sink.WriteBatch(ctx, b)
	timer.Stop()
	if err != nil {
		metrics.RecordsWritten.WithLabelValues(string(j.target), "failure").Add(float64(b.Len()))
		return err
	}
	metrics.BatchesSealed.WithLabelValues(string(j.source), string(j.target)).Inc()
	j.throughput.Increment(int64(b.Len()))
	return nil
}

func (j *Job) options() format.Options {
	return format.Options{
		GeometryColumn: j.cfg.Geometry.Column,
		GeometryHint:   geom.Type(j.cfg.Geometry.TypeHint),
		CRS:            j.cfg.Geometry.CRS,
		BufferLimit:    j.cfg.Batch.BufferLimit,
		SampleBytes:    j.cfg.Sample.MaxBytes,
		SampleRecords:  j.cfg.Sample.MaxRecords,
		Append:         j.cfg.Target.Mode == config.ModeAppend,
		Partitions:     j.cfg.Target.Partitions,
	}
}
