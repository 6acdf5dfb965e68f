package output

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/lineage-sensor/internal/attributes"
	"github.com/mrzor/lineage-sensor/internal/config"
	"github.com/mrzor/lineage-sensor/internal/identity"
	"github.com/mrzor/lineage-sensor/internal/lineage"
	"github.com/mrzor/lineage-sensor/internal/model"
)

var hasher = identity.New("test", "host")

func newSink(t *testing.T, size int, attrs ...config.CustomAttribute) (*SpanSink, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	eval, err := attributes.NewEvaluator(attrs, zaptest.NewLogger(t))
	require.NoError(t, err)
	sink, err := NewSpanSink(tp.Tracer("test"), eval, nil, size, zaptest.NewLogger(t))
	require.NoError(t, err)
	return sink, rec
}

func instance(pid uint32, t int64, parent *model.ProcessInstance, activity model.ActivityKind) *model.ProcessInstance {
	inst := &model.ProcessInstance{
		Pid:           pid,
		PidHash:       hasher.Process(pid, t),
		ParentPidHash: hasher.Sentinels().Unknown.PidHash,
		ProcessName:   "proc",
		EventTimeUtc:  t,
		Activity:      activity,
	}
	if parent != nil {
		inst.ParentPid = parent.Pid
		inst.ParentPidHash = parent.PidHash
	}
	return inst
}

func stopped(inst *model.ProcessInstance, end int64) *model.ProcessInstance {
	s := inst.Clone()
	s.Activity = model.ActivityStop
	s.EndTimeUtc = end
	return s
}

func attrValue(kvs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range kvs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSpanSink_LineageBecomesParentage(t *testing.T) {
	sink, rec := newSink(t, 16)
	ctx := context.Background()

	parent := instance(100, 1000, nil, model.ActivityStart)
	child := instance(200, 2000, parent, model.ActivityStart)
	require.NoError(t, sink.Handle(ctx, parent))
	require.NoError(t, sink.Handle(ctx, child))
	assert.Equal(t, 2, sink.Open())

	require.NoError(t, sink.Handle(ctx, stopped(child, 5000)))
	require.NoError(t, sink.Handle(ctx, stopped(parent, 9000)))
	assert.Equal(t, 0, sink.Open())

	ended := rec.Ended()
	require.Len(t, ended, 2)
	childSpan, parentSpan := ended[0], ended[1]

	assert.Equal(t, TraceIDFromHash(parent.PidHash), parentSpan.SpanContext().TraceID())
	assert.Equal(t, SpanIDFromHash(parent.ParentPidHash), parentSpan.Parent().SpanID())
	assert.True(t, parentSpan.Parent().IsRemote())

	assert.Equal(t, parentSpan.SpanContext().TraceID(), childSpan.SpanContext().TraceID())
	assert.Equal(t, parentSpan.SpanContext().SpanID(), childSpan.Parent().SpanID())

	assert.Equal(t, int64(2000), childSpan.StartTime().UnixNano())
	assert.Equal(t, int64(5000), childSpan.EndTime().UnixNano())
	v, ok := attrValue(childSpan.Attributes(), "process.duration_ns")
	require.True(t, ok)
	assert.Equal(t, int64(3000), v.AsInt64())
	v, ok = attrValue(childSpan.Attributes(), "lineage.pid_hash")
	require.True(t, ok)
	assert.Equal(t, child.PidHash, v.AsString())
}

func TestSpanSink_RefreshDoesNotReopen(t *testing.T) {
	sink, rec := newSink(t, 16)
	ctx := context.Background()

	inst := instance(100, 1000, nil, model.ActivityRefresh)
	require.NoError(t, sink.Handle(ctx, inst))
	require.NoError(t, sink.Handle(ctx, inst))
	assert.Equal(t, 1, sink.Open())
	assert.Len(t, rec.Started(), 1)
}

func TestSpanSink_StopWithoutStart(t *testing.T) {
	sink, rec := newSink(t, 16)

	inst := instance(100, 1000, nil, model.ActivityStop)
	inst.EndTimeUtc = 4000
	require.NoError(t, sink.Handle(context.Background(), inst))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, int64(1000), ended[0].StartTime().UnixNano())
	assert.Equal(t, int64(4000), ended[0].EndTime().UnixNano())
}

func TestSpanSink_SkipsSentinels(t *testing.T) {
	sink, rec := newSink(t, 16)
	for _, s := range hasher.Sentinels().All() {
		r := s.Clone()
		r.Activity = model.ActivityRefresh
		require.NoError(t, sink.Handle(context.Background(), r))
	}
	assert.Empty(t, rec.Started())
}

func TestSpanSink_EvictionEndsSpan(t *testing.T) {
	sink, rec := newSink(t, 1)
	ctx := context.Background()

	first := instance(100, 1000, nil, model.ActivityStart)
	require.NoError(t, sink.Handle(ctx, first))
	require.NoError(t, sink.Handle(ctx, instance(101, 1001, nil, model.ActivityStart)))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	v, ok := attrValue(ended[0].Attributes(), "lineage.span_evicted")
	require.True(t, ok)
	assert.True(t, v.AsBool())

	// A late stop for the evicted instance opens and closes a fresh span.
	require.NoError(t, sink.Handle(ctx, stopped(first, 2000)))
	sink.Close()
	assert.Len(t, rec.Ended(), 3)
}

func TestSpanSink_CustomAttributes(t *testing.T) {
	sink, rec := newSink(t, 16,
		config.CustomAttribute{Name: "proc.first_arg", Expression: `args[0]`},
		config.CustomAttribute{Name: "proc.is_root", Expression: `user == "root"`},
	)

	inst := instance(100, 1000, nil, model.ActivityStart)
	inst.Arguments = "--port 8080"
	inst.User = "root"
	require.NoError(t, sink.Handle(context.Background(), inst))
	sink.Close()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	v, ok := attrValue(ended[0].Attributes(), "proc.first_arg")
	require.True(t, ok)
	assert.Equal(t, "--port", v.AsString())
	v, ok = attrValue(ended[0].Attributes(), "proc.is_root")
	require.True(t, ok)
	assert.Equal(t, "true", v.AsString())
}

func TestSpanSink_AncestorNames(t *testing.T) {
	tree := lineage.NewTree(zaptest.NewLogger(t))
	s := hasher.Sentinels()
	for _, inst := range s.All() {
		require.NoError(t, tree.Add(inst))
	}
	shell := instance(100, 1000, nil, model.ActivityStart)
	shell.ProcessName = "sh"
	child := instance(200, 2000, shell, model.ActivityStart)
	require.NoError(t, tree.Add(shell))
	require.NoError(t, tree.Add(child))

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	sink, err := NewSpanSink(tp.Tracer("test"), nil, tree, 16, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, sink.Handle(context.Background(), child))
	require.NoError(t, sink.Handle(context.Background(), instance(300, 3000, nil, model.ActivityStart)))
	sink.Close()

	ancestors := map[int64][]string{}
	for _, span := range rec.Ended() {
		pid, _ := attrValue(span.Attributes(), "process.pid")
		v, ok := attrValue(span.Attributes(), "process.ancestors")
		if ok {
			ancestors[pid.AsInt64()] = v.AsStringSlice()
		}
	}
	assert.Equal(t, map[int64][]string{
		200: {model.KernelName, model.UnknownName, "sh"},
	}, ancestors, "pid 300 is not in the tree")
}

func TestSpanSink_UnknownActivity(t *testing.T) {
	sink, _ := newSink(t, 16)
	assert.Error(t, sink.Handle(context.Background(), instance(1, 1, nil, model.ActivityKind(9))))
}

func TestIDsFromHash(t *testing.T) {
	h := hasher.Process(42, 42)
	assert.Equal(t, h, TraceIDFromHash(h).String())
	assert.Equal(t, h[:16], SpanIDFromHash(h).String())

	assert.True(t, TraceIDFromHash("not-hex").IsValid())
	assert.True(t, SpanIDFromHash("").IsValid())
	assert.True(t, SpanIDFromHash("00000000000000000000000000000000").IsValid())
}
