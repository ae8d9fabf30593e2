package collector

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/stleox/tracepipe/pkg/span"
	attr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tr "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/stleox/tracepipe"

// 与 OTel resource 语义约定一致的 key
const (
	keyServiceName = "service.name"
	keyHostIP      = "net.host.ip"
	keyHostPort    = "net.host.port"
	keyDuration    = "duration_us"
	keyPeer        = "peer.service"
)

// convertTraceID 把 64 位 trace id 放在 OTel 128 位 trace id 的低 8 字节
func convertTraceID(id uint64) tr.TraceID {
	var traceID tr.TraceID
	binary.BigEndian.PutUint64(traceID[8:], id)
	return traceID
}

func convertSpanID(id uint64) tr.SpanID {
	var spanID tr.SpanID
	binary.BigEndian.PutUint64(spanID[:], id)
	return spanID
}

// buildSpanStub converts a finished span into the OTel SDK representation
// that exporters accept.
func buildSpanStub(s *span.Span) tracetest.SpanStub {
	sc := tr.NewSpanContext(tr.SpanContextConfig{
		TraceID:    convertTraceID(s.TraceID),
		SpanID:     convertSpanID(s.ID),
		TraceFlags: tr.FlagsSampled,
	})

	// root span 的 parent 保持为无效 SpanContext
	var parent tr.SpanContext
	if !s.IsRoot() {
		parent = tr.NewSpanContext(tr.SpanContextConfig{
			TraceID:    sc.TraceID(),
			SpanID:     convertSpanID(s.ParentID),
			TraceFlags: tr.FlagsSampled,
		})
	}

	start := time.UnixMicro(s.Timestamp)
	return tracetest.SpanStub{
		Name:                   s.Name,
		SpanContext:            sc,
		Parent:                 parent,
		SpanKind:               spanKind(s),
		StartTime:              start,
		EndTime:                start.Add(time.Duration(s.Duration) * time.Microsecond),
		Attributes:             convertAttributes(s.BinaryAnnotations),
		Events:                 convertEvents(s),
		Resource:               convertResource(s.Local),
		InstrumentationLibrary: instrumentation.Library{Name: instrumentationName},
	}
}

// 含有 cs/cr 的是客户端 span
func spanKind(s *span.Span) tr.SpanKind {
	for _, a := range s.Annotations {
		if a.Value == span.ClientSend || a.Value == span.ClientReceive {
			return tr.SpanKindClient
		}
	}
	return tr.SpanKindInternal
}

func convertEvents(s *span.Span) []sdktr.Event {
	if len(s.Annotations) == 0 {
		return nil
	}
	events := make([]sdktr.Event, 0, len(s.Annotations))
	for _, a := range s.Annotations {
		var attrs []attr.KeyValue
		if a.Duration > 0 {
			attrs = append(attrs, attr.Int64(keyDuration, a.Duration))
		}
		// 只标注与 span 本身不同的 host
		if a.Host != nil && a.Host != s.Local {
			attrs = append(attrs, attr.String(keyPeer, a.Host.ServiceName))
		}
		events = append(events, sdktr.Event{
			Name:       a.Value,
			Attributes: attrs,
			Time:       time.UnixMicro(a.Timestamp),
		})
	}
	return events
}

// convertAttributes maps binary annotations onto typed attributes. A value
// that does not parse as its declared type is kept as a string.
func convertAttributes(bas []span.BinaryAnnotation) []attr.KeyValue {
	if len(bas) == 0 {
		return nil
	}
	attrs := make([]attr.KeyValue, 0, len(bas))
	for _, ba := range bas {
		attrs = append(attrs, convertAttribute(ba))
	}
	return attrs
}

func convertAttribute(ba span.BinaryAnnotation) attr.KeyValue {
	switch ba.Type {
	case span.TypeBool:
		if v, err := strconv.ParseBool(ba.Value); err == nil {
			return attr.Bool(ba.Key, v)
		}
	case span.TypeI32:
		if v, err := strconv.ParseInt(ba.Value, 10, 32); err == nil {
			return attr.Int64(ba.Key, v)
		}
	case span.TypeI64:
		if v, err := strconv.ParseInt(ba.Value, 10, 64); err == nil {
			return attr.Int64(ba.Key, v)
		}
	case span.TypeDouble:
		if v, err := strconv.ParseFloat(ba.Value, 64); err == nil {
			return attr.Float64(ba.Key, v)
		}
	}
	return attr.String(ba.Key, ba.Value)
}

func convertResource(e *span.Endpoint) *resource.Resource {
	if e == nil {
		return resource.Empty()
	}
	return resource.NewSchemaless(
		attr.String(keyServiceName, e.ServiceName),
		attr.String(keyHostIP, e.IPv4),
		attr.Int(keyHostPort, e.Port),
	)
}
