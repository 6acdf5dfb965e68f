package output

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mrzor/lineage-sensor/internal/attributes"
	"github.com/mrzor/lineage-sensor/internal/model"
)

type spanInfo struct {
	span    trace.Span
	spanCtx trace.SpanContext
	start   int64
	ended   bool
}

// Ancestry resolves an instance and its ancestors, root first.
type Ancestry interface {
	CallChain(pidHash string) ([]*model.ProcessInstance, error)
}

// SpanSink turns process records into spans. It is a bus subscriber.
type SpanSink struct {
	tracer trace.Tracer
	eval   *attributes.Evaluator
	chains Ancestry
	log    *zap.Logger
	spans  *lru.Cache[string, *spanInfo] // PidHash -> open span
}

// NewSpanSink keeps at most size spans open. eval and chains may be nil; with chains set,
// spans carry the names of the process ancestors.
func NewSpanSink(tracer trace.Tracer, eval *attributes.Evaluator, chains Ancestry, size int, logger *zap.Logger) (*SpanSink, error) {
	s := &SpanSink{
		tracer: tracer,
		eval:   eval,
		chains: chains,
		log:    logger.Named("spans"),
	}
	spans, err := lru.NewWithEvict[string, *spanInfo](size, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("span cache: %w", err)
	}
	s.spans = spans
	return s, nil
}

// Name implements bus.Subscriber.
func (s *SpanSink) Name() string { return "otel" }

// Handle implements bus.Subscriber.
func (s *SpanSink) Handle(ctx context.Context, rec *model.ProcessInstance) error {
	if rec.Synthetic {
		return nil
	}
	switch rec.Activity {
	case model.ActivityStart, model.ActivityRefresh:
		if !s.spans.Contains(rec.PidHash) {
			s.open(ctx, rec)
		}
	case model.ActivityStop:
		s.close(ctx, rec)
	default:
		return fmt.Errorf("unknown activity %s for %s", rec.Activity, rec.PidHash)
	}
	return nil
}

// Open returns the number of spans still open.
func (s *SpanSink) Open() int { return s.spans.Len() }

// Close ends every open span.
func (s *SpanSink) Close() {
	s.spans.Purge()
}

func (s *SpanSink) open(ctx context.Context, rec *model.ProcessInstance) *spanInfo {
	ctx = context.WithoutCancel(ctx)
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(rec.EventTime()),
		trace.WithAttributes(recordAttributes(rec)...),
	}

	if parent, ok := s.spans.Get(rec.ParentPidHash); ok && rec.ParentPidHash != rec.PidHash {
		ctx = trace.ContextWithSpanContext(ctx, parent.spanCtx)
	} else {
		// First process of its lineage that we trace: its own trace, hung off its parent instance.
		ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    TraceIDFromHash(rec.PidHash),
			SpanID:     SpanIDFromHash(rec.ParentPidHash),
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}))
	}

	if ancestors := s.ancestors(rec.PidHash); len(ancestors) > 0 {
		opts = append(opts, trace.WithAttributes(attribute.StringSlice("process.ancestors", ancestors)))
	}
	if s.eval != nil {
		if custom := s.eval.Evaluate(rec); len(custom) > 0 {
			opts = append(opts, trace.WithAttributes(custom...))
		}
	}

	_, span := s.tracer.Start(ctx, "process", opts...)
	info := &spanInfo{span: span, spanCtx: span.SpanContext(), start: rec.EventTimeUtc}
	s.spans.Add(rec.PidHash, info)
	return info
}

func (s *SpanSink) close(ctx context.Context, rec *model.ProcessInstance) {
	info, ok := s.spans.Peek(rec.PidHash)
	if !ok {
		if rec.PidHash == "" {
			return
		}
		// Started before the agent and never refreshed.
		info = s.open(ctx, rec)
	}

	end := rec.EndTimeUtc
	if end < info.start {
		end = info.start
	}
	info.span.SetAttributes(attribute.Int64("process.duration_ns", end-info.start))
	info.span.SetStatus(codes.Ok, "exited")
	info.span.End(trace.WithTimestamp(time.Unix(0, end)))
	info.ended = true
	s.spans.Remove(rec.PidHash)
}

// ancestors lists ancestor names root first, without the instance itself.
func (s *SpanSink) ancestors(pidHash string) []string {
	if s.chains == nil {
		return nil
	}
	chain, err := s.chains.CallChain(pidHash)
	if err != nil || len(chain) < 2 {
		// Already pruned, or the root.
		return nil
	}
	names := make([]string, 0, len(chain)-1)
	for _, inst := range chain[:len(chain)-1] {
		names = append(names, inst.ProcessName)
	}
	return names
}

// onEvict ends spans pushed out of the cache before their process stopped.
func (s *SpanSink) onEvict(hash string, info *spanInfo) {
	if info.ended {
		return
	}
	info.ended = true
	info.span.SetAttributes(attribute.Bool("lineage.span_evicted", true))
	info.span.End()
	s.log.Debug("span evicted before stop", zap.String("pid_hash", hash))
}

func recordAttributes(rec *model.ProcessInstance) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("process.pid", int(rec.Pid)),
		attribute.Int("process.parent_pid", int(rec.ParentPid)),
		attribute.String("process.executable.name", rec.ProcessName),
		attribute.String("process.executable.path", rec.ProcessPath),
		attribute.String("process.command_line", rec.CommandLine),
		attribute.String("process.owner", rec.User),
		attribute.String("process.executable.hash.md5", rec.MD5),
		attribute.String("process.executable.hash.sha256", rec.SHA256),
		attribute.String("lineage.pid_hash", rec.PidHash),
		attribute.String("lineage.parent_pid_hash", rec.ParentPidHash),
	}
}

// TraceIDFromHash uses a 32-hex-digit PidHash as the trace ID. Anything else is hashed first.
func TraceIDFromHash(hash string) trace.TraceID {
	if id, err := trace.TraceIDFromHex(hash); err == nil {
		return id
	}
	var id trace.TraceID
	sum := sha256.Sum256([]byte(hash))
	copy(id[:], sum[:])
	return id
}

// SpanIDFromHash takes the first 8 bytes of a hex PidHash as a span ID.
func SpanIDFromHash(hash string) trace.SpanID {
	var id trace.SpanID
	if b, err := hex.DecodeString(hash); err == nil && len(b) >= len(id) {
		copy(id[:], b)
	} else {
		sum := sha256.Sum256([]byte(hash))
		copy(id[:], sum[:])
	}
	if !id.IsValid() {
		id[len(id)-1] = 1
	}
	return id
}
