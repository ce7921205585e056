package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/model"
)

// DBOperationType defines the type of database operation
type DBOperationType string

const (
	DBOperationQuery DBOperationType = "query"
	DBOperationExec  DBOperationType = "exec"
)

// DBOperationPayload represents the payload of database_operation jobs. The
// job target is the SQL statement.
type DBOperationPayload struct {
	Operation DBOperationType `json:"operation"`
	Args      []interface{}   `json:"args"`
}

// DatabaseOperationHandler runs SQL against a SQLite database
type DatabaseOperationHandler struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewDatabaseOperationHandler creates a handler on an open database
func NewDatabaseOperationHandler(logger *zap.Logger, db *sql.DB) *DatabaseOperationHandler {
	return &DatabaseOperationHandler{
		logger: logger.Named("database-operation"),
		db:     db,
	}
}

// OpenDatabaseOperationHandler opens the SQLite database at path
func OpenDatabaseOperationHandler(logger *zap.Logger, path string) (*DatabaseOperationHandler, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewDatabaseOperationHandler(logger, db), nil
}

// Close closes the database
func (h *DatabaseOperationHandler) Close() error {
	return h.db.Close()
}

// ExpectedDuration implements dispatcher.Strategy
func (h *DatabaseOperationHandler) ExpectedDuration() time.Duration {
	return 30 * time.Second
}

// Run performs the database operation
func (h *DatabaseOperationHandler) Run(ctx context.Context, exec *model.Execution) model.Outcome {
	payload := DBOperationPayload{Operation: DBOperationExec}
	if err := decodePayload(exec.Definition.Payload, &payload); err != nil {
		return model.Failed(err)
	}
	query := exec.Definition.Target
	if query == "" {
		return model.Failed(fmt.Errorf("database_operation requires a target statement"))
	}

	h.logger.Info("Executing database operation",
		zap.String("instance_id", exec.Instance.ID),
		zap.String("operation", string(payload.Operation)),
		zap.String("query", query))

	var result interface{}
	var err error
	switch payload.Operation {
	case DBOperationQuery:
		result, err = h.executeQuery(ctx, query, payload.Args...)
	case DBOperationExec:
		result, err = h.executeExec(ctx, query, payload.Args...)
	default:
		err = fmt.Errorf("unsupported operation: %q", payload.Operation)
	}
	if err != nil {
		return model.Failed(err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return model.Failed(fmt.Errorf("failed to marshal result: %w", err))
	}
	return model.Succeeded(truncate(data))
}

func (h *DatabaseOperationHandler) executeQuery(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	results := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		for i := range values {
			values[i] = new(interface{})
		}
		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, column := range columns {
			v := *(values[i].(*interface{}))
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[column] = v
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return results, nil
}

func (h *DatabaseOperationHandler) executeExec(ctx context.Context, query string, args ...interface{}) (map[string]int64, error) {
	result, err := h.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute statement: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	lastID, err := result.LastInsertId()
	if err != nil {
		lastID = 0
	}

	return map[string]int64{
		"affected_rows":  affected,
		"last_insert_id": lastID,
	}, nil
}
