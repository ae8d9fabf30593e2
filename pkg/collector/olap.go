package collector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/stleox/tracepipe/pkg/pipeline"
	"github.com/stleox/tracepipe/pkg/span"
	"github.com/zeromicro/go-zero/core/jsonx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// DATETIME(6) 的文本格式
const datetime6 = "2006-01-02 15:04:05.000000"

// OlapClient writes one row per span into an OLAP store speaking the MySQL
// protocol. Rows are batched by a go-zero BulkInserter and flushed on Close.
type OlapClient struct {
	conn     sqlx.SqlConn
	inserter *sqlx.BulkInserter
}

var _ pipeline.Client = (*OlapClient)(nil)

func NewOlapClient(dsn string) (*OlapClient, error) {
	db := sqlx.NewMysql(dsn)

	if err := CreateSpanTable(db); err != nil {
		return nil, fmt.Errorf("creating table t_span: %w", err)
	}
	inserter, err := NewSpanInserter(db)
	if err != nil {
		return nil, fmt.Errorf("opening table t_span: %w", err)
	}
	inserter.SetResultHandler(func(_ sql.Result, err error) {
		if err != nil {
			logrus.WithError(err).Warn("TracePipe couldn't flush spans to OLAP")
		}
	})

	return &OlapClient{
		conn:     db,
		inserter: inserter,
	}, nil
}

func CreateSpanTable(db sqlx.SqlConn) error {
	_, err := db.Exec("CREATE TABLE IF NOT EXISTS `t_span` " +
		"(trace_id VARCHAR(16), " +
		"id VARCHAR(16), " +
		"parent_id VARCHAR(16), " +
		"name VARCHAR(255), " +
		"service_name VARCHAR(255), " +
		"host VARCHAR(64), " +
		"start_time DATETIME(6), " +
		"duration BIGINT, " + // µs
		"annotations STRING, " +
		"binary_annotations STRING) " +
		"DISTRIBUTED BY HASH(trace_id) BUCKETS 32 " +
		"PROPERTIES (\"replication_num\" = \"1\");")
	return err
}

func NewSpanInserter(db sqlx.SqlConn) (*sqlx.BulkInserter, error) {
	return sqlx.NewBulkInserter(db, "INSERT INTO `t_span` "+
		"(trace_id, "+
		"id, "+
		"parent_id, "+
		"name, "+
		"service_name, "+
		"host, "+
		"start_time, "+
		"duration, "+
		"annotations, "+
		"binary_annotations) "+
		"VALUES (?,?,?,?,?,?,?,?,?,?)")
}

// Send queues the row of s into the bulk inserter. The inserter has its own
// lock and flush schedule, so ctx is not consulted.
func (c *OlapClient) Send(_ context.Context, s *span.Span) error {
	row, err := spanRow(s)
	if err != nil {
		return err
	}
	return c.inserter.Insert(row...)
}

func (c *OlapClient) Close() error {
	c.inserter.Flush()
	db, err := c.conn.RawDB()
	if err != nil {
		return err
	}
	return db.Close()
}

type annotationRow struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
	Duration  int64  `json:"duration,omitempty"`
}

type binaryAnnotationRow struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// spanRow 的顺序与 NewSpanInserter 的列一致
func spanRow(s *span.Span) ([]any, error) {
	annotations := make([]annotationRow, 0, len(s.Annotations))
	for _, a := range s.Annotations {
		annotations = append(annotations, annotationRow{Value: a.Value, Timestamp: a.Timestamp, Duration: a.Duration})
	}
	binaries := make([]binaryAnnotationRow, 0, len(s.BinaryAnnotations))
	for _, ba := range s.BinaryAnnotations {
		binaries = append(binaries, binaryAnnotationRow{Key: ba.Key, Value: ba.Value, Type: ba.Type.String()})
	}

	annotationsJSON, err := jsonx.MarshalToString(annotations)
	if err != nil {
		return nil, fmt.Errorf("encoding annotations of %s: %w", s, err)
	}
	binariesJSON, err := jsonx.MarshalToString(binaries)
	if err != nil {
		return nil, fmt.Errorf("encoding binary annotations of %s: %w", s, err)
	}

	serviceName, host := "", ""
	if s.Local != nil {
		serviceName, host = s.Local.ServiceName, s.Local.HostPort()
	}

	return []any{
		fmt.Sprintf("%016x", s.TraceID),
		fmt.Sprintf("%016x", s.ID),
		fmt.Sprintf("%016x", s.ParentID),
		s.Name,
		serviceName,
		host,
		time.UnixMicro(s.Timestamp).UTC().Format(datetime6),
		s.Duration,
		annotationsJSON,
		binariesJSON,
	}, nil
}
