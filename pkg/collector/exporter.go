package collector

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stleox/tracepipe/pkg/config"
	"github.com/stleox/tracepipe/pkg/pipeline"
	"github.com/stleox/tracepipe/pkg/span"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

const userAgent = "tracepipe"

// 关闭 exporter 的最长等待时间
const closeTimeout = 5 * time.Second

// OtelClient forwards spans through an OpenTelemetry SDK exporter, one span
// per export call.
type OtelClient struct {
	exporter sdktr.SpanExporter
}

var _ pipeline.Client = (*OtelClient)(nil)

func NewOtelClient(exporter sdktr.SpanExporter) *OtelClient {
	return &OtelClient{exporter: exporter}
}

// NewOTLPClient dials an OTLP/gRPC collector without transport security.
func NewOTLPClient(ctx context.Context, c config.Collector) (*OtelClient, error) {
	endpoint := net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(userAgent)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC exporter: %w", err)
	}
	logrus.WithField("endpoint", endpoint).Info("TracePipe created OTLP exporter")
	return NewOtelClient(exporter), nil
}

// NewStdoutClient writes every span to w as JSON.
func NewStdoutClient(w io.Writer, pretty bool) (*OtelClient, error) {
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating stdout exporter: %w", err)
	}
	return NewOtelClient(exporter), nil
}

func (c *OtelClient) Send(ctx context.Context, s *span.Span) error {
	stub := buildSpanStub(s)
	return c.exporter.ExportSpans(ctx, []sdktr.ReadOnlySpan{stub.Snapshot()})
}

func (c *OtelClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.exporter.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down exporter: %w", err)
	}
	return nil
}

// New builds the client selected by c.Kind. w receives the output of the
// stdout collector.
func New(ctx context.Context, c config.Collector, w io.Writer) (pipeline.Client, error) {
	var (
		client pipeline.Client
		err    error
	)
	switch c.Kind {
	case config.CollectorOTLP:
		client, err = NewOTLPClient(ctx, c)
	case config.CollectorStdout:
		client, err = NewStdoutClient(w, config.Debug)
	case config.CollectorOlap:
		client, err = NewOlapClient(c.DSN)
	default:
		err = fmt.Errorf("%w: unknown collector kind %q", config.ErrInvalidConfig, c.Kind)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}
