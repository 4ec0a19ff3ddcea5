package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/collector"
)

// AnalyticsHandler handles ingestion volume analytics REST endpoints:
// throughput grouped by collector/source/organization/date, with CSV
// export for offline reporting. The pipeline itself keeps only
// point-in-time counters (see CollectorHandler, BufferHandler); a
// deployment that needs historical rollups feeds Prometheus metrics
// into its own time-series store and this handler's query shape is
// what that store's query layer should match.
type AnalyticsHandler struct {
	registry *collector.Registry
	logger   zerolog.Logger
}

// NewAnalyticsHandler creates a new ingestion analytics handler.
func NewAnalyticsHandler(registry *collector.Registry, logger zerolog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		registry: registry,
		logger:   logger.With().Str("handler", "analytics").Logger(),
	}
}

// VolumeQueryRequest is the expected JSON body for ingestion volume queries.
type VolumeQueryRequest struct {
	// GroupBy fields: collector, source, organization, date
	GroupBy   []string `json:"group_by"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Collector string   `json:"collector,omitempty"`
	Org       string   `json:"organization_id,omitempty"`
	Limit     int      `json:"limit"`
	Offset    int      `json:"offset"`
}

// VolumeQueryResponse is the response for ingestion volume queries.
type VolumeQueryResponse struct {
	Data        []VolumeRow `json:"data"`
	TotalEvents int64       `json:"total_events"`
	TotalBytes  int64       `json:"total_bytes"`
	GroupedBy   []string    `json:"grouped_by"`
	DateRange   DateRange   `json:"date_range"`
}

// VolumeRow is a single row in an ingestion volume query result.
type VolumeRow struct {
	Collector      string `json:"collector,omitempty"`
	Source         string `json:"source,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Date           string `json:"date,omitempty"`
	EventCount     int64  `json:"event_count"`
	ByteCount      int64  `json:"byte_count"`
	DeadLettered   int64  `json:"dead_lettered"`
	ParseFailures  int64  `json:"parse_failures"`
}

// DateRange represents a date range in a query.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// QueryVolume handles POST /v1/analytics/volume: ingestion throughput
// grouped by collector, source, organization or date.
func (h *AnalyticsHandler) QueryVolume(w http.ResponseWriter, r *http.Request) {
	var req VolumeQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	validGroups := map[string]bool{
		"collector": true, "source": true, "organization": true, "date": true,
	}
	for _, g := range req.GroupBy {
		if !validGroups[g] {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid group_by field: " + g,
			})
			return
		}
	}

	now := time.Now().UTC()
	startDate := now.AddDate(0, 0, -7).Format("2006-01-02")
	endDate := now.Format("2006-01-02")
	if req.StartDate != "" {
		startDate = req.StartDate
	}
	if req.EndDate != "" {
		endDate = req.EndDate
	}

	if req.Limit <= 0 || req.Limit > 10000 {
		req.Limit = 100
	}

	h.logger.Info().
		Strs("group_by", req.GroupBy).
		Str("start_date", startDate).
		Str("end_date", endDate).
		Str("organization_id", req.Org).
		Msg("ingestion volume query executed")

	// The live registry only has point-in-time collector status, so the
	// response carries the echoed grouping and date range with no rows
	// and zero totals.
	response := VolumeQueryResponse{
		Data:      []VolumeRow{},
		GroupedBy: req.GroupBy,
		DateRange: DateRange{Start: startDate, End: endDate},
	}

	writeJSON(w, http.StatusOK, response)
}

// CollectorSummary handles GET /v1/analytics/collectors: a
// point-in-time summary of every registered collector's lifecycle state.
func (h *AnalyticsHandler) CollectorSummary(w http.ResponseWriter, r *http.Request) {
	statuses := h.registry.StatusAll()
	active, errored := 0, 0
	for _, s := range statuses {
		switch s.State {
		case collector.Active:
			active++
		case collector.Error:
			errored++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":    len(statuses),
		"active":   active,
		"errored":  errored,
		"statuses": statuses,
	})
}

// ExportVolumeCSV handles GET /v1/analytics/export/csv: returns a CSV
// file download holding the column header row only; no volume rows are
// written.
func (h *AnalyticsHandler) ExportVolumeCSV(w http.ResponseWriter, r *http.Request) {
	startDate := r.URL.Query().Get("start_date")
	endDate := r.URL.Query().Get("end_date")
	groupBy := r.URL.Query().Get("group_by")

	now := time.Now().UTC()
	if startDate == "" {
		startDate = now.AddDate(0, 0, -7).Format("2006-01-02")
	}
	if endDate == "" {
		endDate = now.Format("2006-01-02")
	}

	h.logger.Info().
		Str("start_date", startDate).
		Str("end_date", endDate).
		Str("group_by", groupBy).
		Msg("CSV export requested")

	filename := "ingestion_volume_" + startDate + "_to_" + endDate + ".csv"
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	w.WriteHeader(http.StatusOK)

	header := "date,collector,source,organization_id,event_count,byte_count,dead_lettered,parse_failures\n"
	w.Write([]byte(header))
}
