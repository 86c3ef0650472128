package server

import (
	"time"

	"sharebook/internal/domain"
	"sharebook/internal/engine"
)

type VariantSummaryResponse struct {
	Kind     domain.TaskKind `json:"task_kind" enum:"reminder,late_donation,showcase_removal"`
	Eligible int             `json:"eligible"`
	Success  int             `json:"success"`
	Skipped  int             `json:"skipped"`
	Failed   int             `json:"failed"`
}

type CycleSummaryResponse struct {
	CycleID  string                   `json:"cycle_id"`
	Now      time.Time                `json:"now" format:"date-time"`
	Success  int                      `json:"success"`
	Skipped  int                      `json:"skipped"`
	Failed   int                      `json:"failed"`
	Variants []VariantSummaryResponse `json:"variants"`
}

type HistoryEntryResponse struct {
	ID         int64             `json:"id"`
	CycleID    string            `json:"cycle_id"`
	TaskKind   domain.TaskKind   `json:"task_kind"`
	TargetKind domain.TargetKind `json:"target_kind"`
	TargetID   string            `json:"target_id"`
	PeriodKey  string            `json:"period_key"`
	ExecutedAt time.Time         `json:"executed_at" format:"date-time"`
	Outcome    domain.Outcome    `json:"outcome"`
	Details    string            `json:"details,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

type paginatedHistory struct {
	Items      []HistoryEntryResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type CycleHistoryResponse struct {
	CycleID string                 `json:"cycle_id"`
	Items   []HistoryEntryResponse `json:"items"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	NextRun string `json:"next_run,omitempty"`
}

// Conversion helpers

func cycleSummaryResponse(s engine.Summary) CycleSummaryResponse {
	success, skipped, failed := s.Totals()
	resp := CycleSummaryResponse{
		CycleID:  s.CycleID,
		Now:      s.Now,
		Success:  success,
		Skipped:  skipped,
		Failed:   failed,
		Variants: make([]VariantSummaryResponse, 0, len(s.Variants)),
	}
	for _, v := range s.Variants {
		resp.Variants = append(resp.Variants, VariantSummaryResponse(v))
	}
	return resp
}

func historyEntryResponse(e domain.HistoryEntry) HistoryEntryResponse {
	return HistoryEntryResponse(e)
}

func mapHistory(items []domain.HistoryEntry) []HistoryEntryResponse {
	out := make([]HistoryEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, historyEntryResponse(e))
	}
	return out
}
