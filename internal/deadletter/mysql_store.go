package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "Stimulus-Agent/internal/errors"
)

// MySQLStore 使用 MySQL 保存死信。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 连接 MySQL 并执行 deploy/migrations 中尚未应用的迁移。
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MySQL DSN 格式错误")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	if err := migrate(ctx, db, embeddedMigrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// Save 实现 Store。
func (s *MySQLStore) Save(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "死信记录 ID 不能为空")
	}
	headers, err := marshalHeaders(rec.Headers)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码消息头失败")
	}

	const stmt = `INSERT INTO dead_letters
        (id, agent, queue, exchange_name, routing_key, message_id, content_type, headers, body, attempts, max_retries, cumulative_delay_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		rec.ID,
		rec.Agent,
		rec.Queue,
		rec.Exchange,
		rec.RoutingKey,
		rec.MessageID,
		rec.ContentType,
		headers,
		rec.Body,
		rec.Attempts,
		rec.MaxRetries,
		rec.CumulativeDelay.Milliseconds(),
		rec.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "死信记录 "+rec.ID+" 已存在", xerrors.WithRetryable(false))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入死信失败")
	}
	return nil
}

// List 实现 Store。
func (s *MySQLStore) List(ctx context.Context, queue string, limit int) ([]Record, error) {
	var (
		builder strings.Builder
		args    []any
	)
	builder.WriteString(`SELECT id, agent, queue, exchange_name, routing_key, message_id, content_type, headers, body,
        attempts, max_retries, cumulative_delay_ms, created_at FROM dead_letters`)
	if queue != "" {
		builder.WriteString(" WHERE queue = ?")
		args = append(args, queue)
	}
	builder.WriteString(" ORDER BY created_at DESC")
	if limit > 0 {
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询死信失败")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			headers sql.NullString
			delayMS int64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Agent,
			&rec.Queue,
			&rec.Exchange,
			&rec.RoutingKey,
			&rec.MessageID,
			&rec.ContentType,
			&headers,
			&rec.Body,
			&rec.Attempts,
			&rec.MaxRetries,
			&delayMS,
			&rec.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取死信失败")
		}
		rec.CumulativeDelay = time.Duration(delayMS) * time.Millisecond
		if rec.Headers, err = unmarshalHeaders(headers); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息头失败")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历死信失败")
	}
	return out, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalHeaders(h map[string]any) (sql.NullString, error) {
	if len(h) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalHeaders(v sql.NullString) (map[string]any, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}
