package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql" // mysql 协议，兼容 Doris
	"github.com/stleox/spanflow/pkg/tracer"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
	_ "modernc.org/sqlite"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"

	pruneChunk = 100
)

type spanRow struct {
	TraceID      string `db:"trace_id"`
	SpanID       string `db:"span_id"`
	ParentSpanID string `db:"parent_span_id"`
	Name         string `db:"operation_name"`
	Kind         string `db:"kind"`
	Service      string `db:"service"`
	StartTime    int64  `db:"start_time"`
	EndTime      int64  `db:"end_time"`
	ReceivedAt   int64  `db:"received_at"`
}

type tagRow struct {
	SpanID string `db:"span_id"`
	Key    string `db:"tag_key"`
	Value  string `db:"tag_value"`
}

type hitRow struct {
	TraceID string `db:"trace_id"`
	Latest  int64  `db:"latest"`
}

// SQLStore keeps spans in two tables: t_span and its tags in t_span_tag.
// Times are stored as unix microseconds.
type SQLStore struct {
	conn         sqlx.SqlConn
	insertIgnore string
}

// NewSQLStore connects with driver "mysql" or "sqlite" and creates the tables
// if needed.
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var s *SQLStore
	switch driver {
	case DriverMySQL:
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		s = &SQLStore{conn: sqlx.NewMysql(dsn), insertIgnore: "INSERT IGNORE INTO"}
	case DriverSQLite:
		s = &SQLStore{conn: sqlx.NewSqlConn(DriverSQLite, dsn), insertIgnore: "INSERT OR IGNORE INTO"}
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}
	if err := s.createTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	_, err := s.conn.ExecCtx(ctx, "CREATE TABLE IF NOT EXISTS t_span "+
		"(trace_id VARCHAR(32) NOT NULL, "+
		"span_id VARCHAR(16) NOT NULL, "+
		"parent_span_id VARCHAR(16) NOT NULL, "+
		"operation_name VARCHAR(255) NOT NULL, "+
		"kind VARCHAR(15) NOT NULL, "+
		"service VARCHAR(127) NOT NULL, "+
		"start_time BIGINT NOT NULL, "+
		"end_time BIGINT NOT NULL, "+
		"received_at BIGINT NOT NULL, "+
		"PRIMARY KEY (trace_id, span_id))")
	if err != nil {
		return fmt.Errorf("create table t_span: %w", err)
	}

	_, err = s.conn.ExecCtx(ctx, "CREATE TABLE IF NOT EXISTS t_span_tag "+
		"(trace_id VARCHAR(32) NOT NULL, "+
		"span_id VARCHAR(16) NOT NULL, "+
		"tag_key VARCHAR(127) NOT NULL, "+
		"tag_value VARCHAR(1023) NOT NULL, "+
		"PRIMARY KEY (trace_id, span_id, tag_key))")
	if err != nil {
		return fmt.Errorf("create table t_span_tag: %w", err)
	}
	return nil
}

func (s *SQLStore) Put(ctx context.Context, spans []tracer.SpanRecord, receivedAt time.Time) ([]tracer.SpanRecord, error) {
	insertSpan := s.insertIgnore + " t_span " +
		"(trace_id, span_id, parent_span_id, operation_name, kind, service, start_time, end_time, received_at) " +
		"VALUES (?,?,?,?,?,?,?,?,?)"
	insertTag := s.insertIgnore + " t_span_tag (trace_id, span_id, tag_key, tag_value) VALUES (?,?,?,?)"

	if len(spans) == 0 {
		return nil, nil
	}

	var stored []tracer.SpanRecord
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		stored = stored[:0]
		for _, sp := range spans {
			res, err := session.ExecCtx(ctx, insertSpan,
				sp.TraceID, sp.SpanID, sp.ParentSpanID, sp.Name, string(sp.Kind), sp.Service,
				sp.StartTime.UnixMicro(), sp.EndTime.UnixMicro(), receivedAt.UnixMicro())
			if err != nil {
				return fmt.Errorf("insert span %s: %w", sp.SpanID, err)
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				continue // 重复的 span
			}
			for k, v := range sp.Tags {
				if _, err = session.ExecCtx(ctx, insertTag, sp.TraceID, sp.SpanID, k, v); err != nil {
					return fmt.Errorf("insert tag %s of span %s: %w", k, sp.SpanID, err)
				}
			}
			stored = append(stored, sp)
		}

		// 重复的 span 也算一次到达，刷新整条 trace 的 received_at
		touched := make(map[string]struct{})
		for _, sp := range spans {
			if _, ok := touched[sp.TraceID]; ok {
				continue
			}
			touched[sp.TraceID] = struct{}{}
			_, err := session.ExecCtx(ctx, "UPDATE t_span SET received_at = ? WHERE trace_id = ? AND received_at < ?",
				receivedAt.UnixMicro(), sp.TraceID, receivedAt.UnixMicro())
			if err != nil {
				return fmt.Errorf("touch trace %s: %w", sp.TraceID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *SQLStore) Get(ctx context.Context, traceID string) ([]tracer.SpanRecord, time.Time, error) {
	var rows []*spanRow
	err := s.conn.QueryRowsCtx(ctx, &rows, "SELECT trace_id, span_id, parent_span_id, operation_name, "+
		"kind, service, start_time, end_time, received_at FROM t_span WHERE trace_id = ?", traceID)
	if err != nil && !errors.Is(err, sqlx.ErrNotFound) {
		return nil, time.Time{}, fmt.Errorf("query spans of %s: %w", traceID, err)
	}
	if len(rows) == 0 {
		return nil, time.Time{}, nil
	}

	var tags []*tagRow
	err = s.conn.QueryRowsCtx(ctx, &tags, "SELECT span_id, tag_key, tag_value FROM t_span_tag WHERE trace_id = ?", traceID)
	if err != nil && !errors.Is(err, sqlx.ErrNotFound) {
		return nil, time.Time{}, fmt.Errorf("query tags of %s: %w", traceID, err)
	}
	bySpan := make(map[string]map[string]string)
	for _, t := range tags {
		if bySpan[t.SpanID] == nil {
			bySpan[t.SpanID] = make(map[string]string)
		}
		bySpan[t.SpanID][t.Key] = t.Value
	}

	var lastSeen int64
	spans := make([]tracer.SpanRecord, 0, len(rows))
	for _, row := range rows {
		if row.ReceivedAt > lastSeen {
			lastSeen = row.ReceivedAt
		}
		spans = append(spans, tracer.SpanRecord{
			TraceID:      row.TraceID,
			SpanID:       row.SpanID,
			ParentSpanID: row.ParentSpanID,
			Name:         row.Name,
			Kind:         tracer.Kind(row.Kind),
			Service:      row.Service,
			StartTime:    time.UnixMicro(row.StartTime),
			EndTime:      time.UnixMicro(row.EndTime),
			Tags:         bySpan[row.SpanID],
		})
	}
	return spans, time.UnixMicro(lastSeen), nil
}

func (s *SQLStore) Search(ctx context.Context, c Criteria) ([]string, error) {
	var (
		where []string
		args  []any
	)
	if c.Service != "" {
		where = append(where, "s.service = ?")
		args = append(args, c.Service)
	}
	if !c.Start.IsZero() {
		where = append(where, "s.start_time >= ?")
		args = append(args, c.Start.UnixMicro())
	}
	if !c.End.IsZero() {
		where = append(where, "s.start_time <= ?")
		args = append(args, c.End.UnixMicro())
	}
	keys := make([]string, 0, len(c.Tags))
	for k := range c.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		where = append(where, "EXISTS (SELECT 1 FROM t_span_tag t WHERE t.trace_id = s.trace_id "+
			"AND t.span_id = s.span_id AND t.tag_key = ? AND t.tag_value = ?)")
		args = append(args, k, c.Tags[k])
	}

	query := "SELECT s.trace_id AS trace_id, MAX(s.start_time) AS latest FROM t_span s"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " GROUP BY s.trace_id ORDER BY latest DESC, trace_id ASC LIMIT ?"
	args = append(args, c.limit())

	var hits []*hitRow
	if err := s.conn.QueryRowsCtx(ctx, &hits, query, args...); err != nil && !errors.Is(err, sqlx.ErrNotFound) {
		return nil, fmt.Errorf("search traces: %w", err)
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.TraceID)
	}
	return ids, nil
}

func (s *SQLStore) Prune(ctx context.Context, before time.Time) (int, error) {
	var ids []string
	err := s.conn.QueryRowsCtx(ctx, &ids, "SELECT trace_id FROM t_span GROUP BY trace_id "+
		"HAVING MAX(received_at) < ?", before.UnixMicro())
	if err != nil && !errors.Is(err, sqlx.ErrNotFound) {
		return 0, fmt.Errorf("find expired traces: %w", err)
	}

	for start := 0; start < len(ids); start += pruneChunk {
		end := min(start+pruneChunk, len(ids))
		chunk := ids[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, 0, len(chunk))
		for _, id := range chunk {
			args = append(args, id)
		}
		err = s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
			if _, err := session.ExecCtx(ctx, "DELETE FROM t_span_tag WHERE trace_id IN ("+placeholders+")", args...); err != nil {
				return err
			}
			_, err := session.ExecCtx(ctx, "DELETE FROM t_span WHERE trace_id IN ("+placeholders+")", args...)
			return err
		})
		if err != nil {
			return start, fmt.Errorf("delete expired traces: %w", err)
		}
	}
	return len(ids), nil
}

func (s *SQLStore) Close() error {
	db, err := s.conn.RawDB()
	if err != nil {
		return err
	}
	return db.Close()
}
