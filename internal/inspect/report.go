// Package inspect renders an operator report for one history record straight
// from the state database.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/refashion-gw/internal/history"
)

// Report is the structured JSON representation of a job report.
type Report struct {
	HistoryID     string     `json:"history_id"`
	UserID        string     `json:"user_id"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	Model         string     `json:"model,omitempty"`
	FalRequestID  string     `json:"fal_request_id,omitempty"`
	VideoURL      string     `json:"video_url,omitempty"`
	LocalVideoURL string     `json:"local_video_url,omitempty"`
	Images        []string   `json:"generated_image_urls,omitempty"`
	Seed          *int64     `json:"seed,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Duration      string     `json:"duration,omitempty"`
	Deliveries    []Delivery `json:"deliveries"`
}

// Delivery is one recorded webhook receipt.
type Delivery struct {
	Fingerprint string `json:"fingerprint"`
	Outcome     string `json:"outcome"`
	ReceivedAt  string `json:"received_at"`
}

// BuildReport renders a terminal-friendly report for historyID.
func BuildReport(ctx context.Context, db *sql.DB, historyID string) (string, error) {
	report, err := gatherReportData(ctx, db, historyID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "History ID  : %s\n", report.HistoryID)
	fmt.Fprintf(&out, "User        : %s\n", report.UserID)
	fmt.Fprintf(&out, "Kind        : %s\n", report.Kind)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Model       : %s\n", renderUnset(report.Model, "<default>"))
	fmt.Fprintf(&out, "Fal request : %s\n", renderUnset(report.FalRequestID, "<not submitted>"))
	fmt.Fprintf(&out, "Created     : %s\n", report.CreatedAt.Format(time.RFC3339))
	if report.CompletedAt != nil {
		fmt.Fprintf(&out, "Completed   : %s (%s)\n", report.CompletedAt.Format(time.RFC3339), report.Duration)
	}
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}
	if report.VideoURL != "" {
		fmt.Fprintf(&out, "Video       : %s\n", report.VideoURL)
	}
	if report.LocalVideoURL != "" {
		fmt.Fprintf(&out, "Archived    : %s\n", report.LocalVideoURL)
	}
	for i, u := range report.Images {
		fmt.Fprintf(&out, "Image [%d]   : %s\n", i, renderUnset(u, "<none>"))
	}
	if report.Seed != nil {
		fmt.Fprintf(&out, "Seed        : %d\n", *report.Seed)
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Deliveries) == 0 {
		fmt.Fprintf(&out, "Deliveries  : <none>\n")
	} else {
		fmt.Fprintf(&out, "Deliveries  :\n")
		for _, d := range report.Deliveries {
			fmt.Fprintf(&out, "  - %s  %-9s %s\n", d.ReceivedAt, d.Outcome, shortFingerprint(d.Fingerprint))
		}
	}
	return out.String(), nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, db *sql.DB, historyID string) (string, error) {
	report, err := gatherReportData(ctx, db, historyID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, historyID string) (*Report, error) {
	if strings.TrimSpace(historyID) == "" {
		return nil, fmt.Errorf("history id is required")
	}

	rec, err := history.NewStore(db).Get(ctx, historyID)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", historyID, err)
	}

	report := &Report{
		HistoryID:     rec.ID,
		UserID:        rec.UserID,
		Kind:          string(rec.Kind),
		Status:        string(rec.Status),
		Model:         rec.Model,
		FalRequestID:  deref(rec.FalRequestID),
		VideoURL:      deref(rec.VideoURL),
		LocalVideoURL: deref(rec.LocalVideoURL),
		Seed:          rec.Seed,
		Error:         deref(rec.Error),
		CreatedAt:     rec.CreatedAt,
		CompletedAt:   rec.CompletedAt,
		Deliveries:    make([]Delivery, 0),
	}
	for _, u := range rec.GeneratedImageURLs {
		report.Images = append(report.Images, deref(u))
	}
	if rec.CompletedAt != nil {
		report.Duration = rec.CompletedAt.Sub(rec.CreatedAt).Round(time.Second).String()
	}

	deliveries, err := lookupDeliveries(ctx, db, rec.ID)
	if err != nil {
		return nil, err
	}
	report.Deliveries = deliveries
	return report, nil
}

func lookupDeliveries(ctx context.Context, db *sql.DB, historyID string) ([]Delivery, error) {
	rows, err := db.QueryContext(ctx, `
SELECT fingerprint, outcome, received_at
FROM webhook_receipts
WHERE history_id = ?
ORDER BY received_at ASC;
`, historyID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries for %q: %w", historyID, err)
	}
	defer rows.Close()

	out := make([]Delivery, 0)
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.Fingerprint, &d.Outcome, &d.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func renderUnset(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
