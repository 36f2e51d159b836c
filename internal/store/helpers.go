package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/DeviceIntake/internal/models"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// scanIntakeRequest scans one intake_requests row. Data is stored as JSON,
// so numbers come back as float64.
func scanIntakeRequest(row rowScanner) (*models.IntakeRequest, error) {
	var r models.IntakeRequest
	var data string
	var status sql.NullString
	if err := row.Scan(&r.ID, &r.SessionID, &data, &status, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.RecommendationStatus = status.String
	if data != "" {
		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, fmt.Errorf("failed to decode intake request %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

// scanIntakeRequests drains rows.
func scanIntakeRequests(rows *sql.Rows) ([]models.IntakeRequest, error) {
	var out []models.IntakeRequest
	for rows.Next() {
		r, err := scanIntakeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intake request row: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate intake request rows: %w", err)
	}
	return out, nil
}
