package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"makerclose/internal/position"
)

// ErrRunNotFound 表示 close_runs 中没有对应记录。
var ErrRunNotFound = errors.New("monitor: 平仓记录不存在")

// StartRun 为一次平仓写入 running 状态的记录并返回其 ID。pos 为 nil 时记录为 FLAT。
func (s *Service) StartRun(ctx context.Context, symbol string, pos *position.Position) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO close_runs (symbol, start_size, start_side, started_at, attempts, outcome)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		symbol, pos.AbsSize().String(), pos.Side(), formatTime(time.Now()), OutcomeRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("monitor: 写入平仓记录失败: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("monitor: 获取平仓记录ID失败: %w", err)
	}
	return id, nil
}

// FinishRun 在同一事务内更新平仓记录并写入 close_completed 事件。
func (s *Service) FinishRun(ctx context.Context, runID int64, attempts int, outcome string, runErr error) error {
	now := time.Now().UTC()
	var symbol string

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var started string
		row := tx.QueryRowContext(ctx, `SELECT symbol, started_at FROM close_runs WHERE id = ?`, runID)
		if err := row.Scan(&symbol, &started); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: id=%d", ErrRunNotFound, runID)
			}
			return fmt.Errorf("monitor: 查询平仓记录失败: %w", err)
		}

		var errText sql.NullString
		if runErr != nil {
			errText = sql.NullString{String: runErr.Error(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE close_runs SET finished_at = ?, attempts = ?, outcome = ?, error = ? WHERE id = ?`,
			formatTime(now), attempts, outcome, errText, runID,
		); err != nil {
			return fmt.Errorf("monitor: 更新平仓记录失败: %w", err)
		}

		seconds := 0.0
		if startedAt := parseTime(started); !startedAt.IsZero() {
			seconds = now.Sub(startedAt).Seconds()
		}
		return insertEvent(ctx, tx, Event{
			Type:      EventCloseCompleted,
			Timestamp: now,
			Payload: CompletedPayload{
				Symbol:   symbol,
				RunID:    runID,
				Attempts: attempts,
				Outcome:  outcome,
				Seconds:  seconds,
			},
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("平仓记录已归档",
		zap.Int64("run_id", runID),
		zap.String("symbol", symbol),
		zap.String("outcome", outcome),
		zap.Int("attempts", attempts),
	)
	return nil
}

// ListRuns 返回最近的平仓记录，symbol 为空时不过滤。
func (s *Service) ListRuns(ctx context.Context, symbol string, limit int) ([]CloseRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, symbol, start_size, start_side, started_at, finished_at, attempts, outcome, error FROM close_runs`
	args := make([]interface{}, 0, 2)
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询平仓记录失败: %w", err)
	}
	defer rows.Close()

	runs := make([]CloseRun, 0)
	for rows.Next() {
		var (
			run      CloseRun
			started  string
			finished sql.NullString
			errText  sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Symbol, &run.StartSize, &run.StartSide, &started, &finished, &run.Attempts, &run.Outcome, &errText); err != nil {
			return nil, fmt.Errorf("monitor: 解析平仓记录失败: %w", err)
		}
		run.StartedAt = parseTime(started)
		if finished.Valid {
			if ts := parseTime(finished.String); !ts.IsZero() {
				run.FinishedAt = &ts
			}
		}
		run.Error = errText.String
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取平仓记录失败: %w", err)
	}
	return runs, nil
}
