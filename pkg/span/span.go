package span

import (
	"fmt"
	"strconv"
	"time"
)

// 常用的 timing annotation
const (
	ClientSend    = "cs"
	ClientReceive = "cr"
)

// AnnotationType 描述 BinaryAnnotation.Value 的类型
type AnnotationType int

const (
	TypeString AnnotationType = iota
	TypeBool
	TypeI32
	TypeI64
	TypeDouble
)

func (t AnnotationType) String() string {
	switch t {
	case TypeString:
		return "STRING"
	case TypeBool:
		return "BOOL"
	case TypeI32:
		return "I32"
	case TypeI64:
		return "I64"
	case TypeDouble:
		return "DOUBLE"
	default:
		return fmt.Sprintf("AnnotationType(%d)", int(t))
	}
}

// Annotation is a timed event of a span. Timestamp and Duration are Unix
// microseconds.
type Annotation struct {
	Value     string
	Timestamp int64
	Duration  int64 // 0 表示没有持续时间
	Host      *Endpoint
}

// BinaryAnnotation carries key/value metadata. Value always holds the textual
// form; Type tells how a collector should interpret it.
type BinaryAnnotation struct {
	Key   string
	Value string
	Type  AnnotationType
}

func StringAnnotation(key, value string) BinaryAnnotation {
	return BinaryAnnotation{Key: key, Value: value, Type: TypeString}
}

func Int32Annotation(key string, value int32) BinaryAnnotation {
	return BinaryAnnotation{Key: key, Value: strconv.FormatInt(int64(value), 10), Type: TypeI32}
}

// Span is one traced unit of work. Once it has been handed to the pipeline
// the producer must not touch it again.
type Span struct {
	TraceID  uint64
	ID       uint64
	ParentID uint64 // 0 表示 root span
	Name     string

	Annotations       []Annotation
	BinaryAnnotations []BinaryAnnotation

	// 由 Finish 计算，单位 µs
	Timestamp int64
	Duration  int64

	Local *Endpoint
}

func New(traceID, id, parentID uint64, name string) *Span {
	return &Span{
		TraceID:  traceID,
		ID:       id,
		ParentID: parentID,
		Name:     name,
	}
}

func (s *Span) Annotate(value string, ts time.Time) {
	s.Annotations = append(s.Annotations, Annotation{
		Value:     value,
		Timestamp: Micros(ts),
		Host:      s.Local,
	})
}

// AnnotateDuration records an event that lasted from start to end. The value
// is rendered as "name=<n>ms".
func (s *Span) AnnotateDuration(name string, start, end time.Time) {
	d := end.Sub(start)
	s.Annotations = append(s.Annotations, Annotation{
		Value:     fmt.Sprintf("%s=%dms", name, d.Milliseconds()),
		Timestamp: Micros(start),
		Duration:  d.Microseconds(),
		Host:      s.Local,
	})
}

// AddBinaryAnnotation appends ba unless an identical (key, value, type)
// triple is already present. Keys alone may repeat.
func (s *Span) AddBinaryAnnotation(ba BinaryAnnotation) bool {
	for _, cur := range s.BinaryAnnotations {
		if cur == ba {
			return false
		}
	}
	s.BinaryAnnotations = append(s.BinaryAnnotations, ba)
	return true
}

// Finish derives Timestamp and Duration from the first and last annotation.
func (s *Span) Finish() {
	if len(s.Annotations) == 0 {
		return
	}
	first, last := s.Annotations[0].Timestamp, s.Annotations[0].Timestamp
	for _, a := range s.Annotations[1:] {
		if a.Timestamp < first {
			first = a.Timestamp
		}
		end := a.Timestamp + a.Duration
		if end > last {
			last = end
		}
	}
	s.Timestamp = first
	s.Duration = last - first
}

func (s *Span) IsRoot() bool {
	return s.ParentID == 0
}

func (s *Span) String() string {
	return fmt.Sprintf("Span{trace=%016x id=%016x parent=%016x name=%q annotations=%d binary=%d}",
		s.TraceID, s.ID, s.ParentID, s.Name, len(s.Annotations), len(s.BinaryAnnotations))
}

// Micros converts t to Unix microseconds.
func Micros(t time.Time) int64 {
	return t.UnixNano() / int64(time.Microsecond)
}
