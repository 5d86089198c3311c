package writer

import (
	"NetFusion/internal/config"
	"NetFusion/internal/model"
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS %s (
    DetectTime   DateTime64(3),
    Address      String,
    Rule         String,
    Detectors    Array(String),
    Results      Array(UInt8),
    Explanations Array(String),
    Flow         String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(DetectTime)
ORDER BY (Rule, DetectTime);
`

// ClickHouseWriter stores alerts in a ClickHouse table.
type ClickHouseWriter struct {
	conn  driver.Conn
	table string
}

// NewClickHouseWriter connects to ClickHouse and ensures the alert table exists.
func NewClickHouseWriter(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseWriter, error) {
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = "fusion_alerts"
	}
	if err := conn.Exec(ctx, fmt.Sprintf(createTableStatement, table)); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log.Info().Str("table", table).Msg("Connected to ClickHouse and ensured table exists")
	return &ClickHouseWriter{conn: conn, table: table}, nil
}

func connect(ctx context.Context, cfg config.ClickHouseConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Write inserts the alerts of one export in a single batch.
func (w *ClickHouseWriter) Write(ctx context.Context, alerts []*model.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+w.table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, a := range alerts {
		row, err := newAlertRow(a)
		if err != nil {
			return err
		}
		if err := batch.Append(row.detectTime, row.address, row.rule, row.detectors, row.results, row.explanations, row.flow); err != nil {
			return fmt.Errorf("failed to append alert to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	log.Debug().Int("alerts", len(alerts)).Str("table", w.table).Msg("Wrote alerts to ClickHouse")
	return nil
}

// Recent returns up to n alerts, newest first.
func (w *ClickHouseWriter) Recent(ctx context.Context, n int) ([]*model.Alert, error) {
	return w.query(ctx, "", nil, n)
}

// ForEntity returns up to n alerts raised for addr, newest first.
func (w *ClickHouseWriter) ForEntity(ctx context.Context, addr netip.Addr, n int) ([]*model.Alert, error) {
	return w.query(ctx, "WHERE Address = ?", []any{addr.String()}, n)
}

func (w *ClickHouseWriter) query(ctx context.Context, where string, args []any, n int) ([]*model.Alert, error) {
	if n <= 0 {
		return nil, nil
	}
	var sb strings.Builder
	sb.WriteString("SELECT DetectTime, Address, Rule, Detectors, Results, Explanations, Flow FROM ")
	sb.WriteString(w.table)
	if where != "" {
		sb.WriteString(" " + where)
	}
	sb.WriteString(" ORDER BY DetectTime DESC LIMIT ?")
	args = append(args, n)

	rows, err := w.conn.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		var row alertRow
		if err := rows.Scan(&row.detectTime, &row.address, &row.rule, &row.detectors, &row.results, &row.explanations, &row.flow); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		a, err := row.alert()
		if err != nil {
			log.Warn().Err(err).Msg("Skipping malformed alert row")
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Close closes the connection.
func (w *ClickHouseWriter) Close() error { return w.conn.Close() }

type alertRow struct {
	detectTime   time.Time
	address      string
	rule         string
	detectors    []string
	results      []uint8
	explanations []string
	flow         string
}

func newAlertRow(a *model.Alert) (alertRow, error) {
	row := alertRow{
		detectTime:   a.DetectTime,
		address:      a.Address.String(),
		rule:         a.Rule,
		detectors:    make([]string, len(a.Verdicts)),
		results:      make([]uint8, len(a.Verdicts)),
		explanations: make([]string, len(a.Verdicts)),
	}
	for i, v := range a.Verdicts {
		row.detectors[i] = v.Detector
		row.results[i] = v.Result
		row.explanations[i] = v.Explanation
	}
	if len(a.Flow) > 0 {
		data, err := json.Marshal(a.Flow)
		if err != nil {
			return row, fmt.Errorf("failed to encode alert flow: %w", err)
		}
		row.flow = string(data)
	}
	return row, nil
}

func (row alertRow) alert() (*model.Alert, error) {
	addr, err := netip.ParseAddr(row.address)
	if err != nil {
		return nil, err
	}
	a := &model.Alert{Address: addr, Rule: row.rule, DetectTime: row.detectTime}
	for i := range row.detectors {
		v := model.Verdict{Detector: row.detectors[i]}
		if i < len(row.results) {
			v.Result = row.results[i]
		}
		if i < len(row.explanations) {
			v.Explanation = row.explanations[i]
		}
		a.Verdicts = append(a.Verdicts, v)
	}
	if row.flow != "" {
		if err := json.Unmarshal([]byte(row.flow), &a.Flow); err != nil {
			return nil, fmt.Errorf("invalid flow column: %w", err)
		}
	}
	return a, nil
}
