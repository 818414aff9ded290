package admin

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	dto "github.com/prometheus/client_model/go"

	gwerrors "github.com/tause-ai/gateway/internal/errors"
)

// statsResponse is the stats.overview wire shape: aggregate counters, a
// per-service and per-tenant breakdown, success rate, average latency,
// and the window they were observed over.
type statsResponse struct {
	TimeWindowSince time.Time           `json:"time_window_since"`
	RequestsTotal   int64               `json:"requests_total"`
	SuccessRate     float64             `json:"success_rate"`
	AvgLatencyMS    float64             `json:"avg_latency_ms"`
	ByRoute         map[string]int64    `json:"by_route"`
	TenantsAllowed  map[string]int64    `json:"tenant_requests_allowed"`
	TenantsRejected map[string]int64    `json:"tenant_requests_rejected"`
}

// stats.overview
func (h *Handler) statsOverview(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	families, err := h.Metrics.Gather()
	if err != nil {
		gwerrors.Wrap(err, gwerrors.GatewayInternal, "gathering metrics").WriteJSON(w)
		return
	}

	resp := statsResponse{
		TimeWindowSince: h.startedAt,
		ByRoute:         map[string]int64{},
		TenantsAllowed:  map[string]int64{},
		TenantsRejected: map[string]int64{},
	}

	var (
		successTotal float64
		statusTotal  float64
		latencySum   float64
		latencyCount uint64
	)

	for _, fam := range families {
		switch fam.GetName() {
		case "gateway_requests_total":
			for _, m := range fam.Metric {
				v := m.GetCounter().GetValue()
				statusTotal += v
				status := labelValue(m, "status")
				if status == "2xx" || status == "3xx" {
					successTotal += v
				}
				resp.ByRoute[labelValue(m, "route")] += int64(v)
			}
		case "gateway_request_duration_seconds":
			for _, m := range fam.Metric {
				h := m.GetHistogram()
				latencySum += h.GetSampleSum()
				latencyCount += h.GetSampleCount()
			}
		case "gateway_tenant_requests_allowed_total":
			for _, m := range fam.Metric {
				resp.TenantsAllowed[labelValue(m, "tenant")] += int64(m.GetCounter().GetValue())
			}
		case "gateway_tenant_requests_rejected_total":
			for _, m := range fam.Metric {
				resp.TenantsRejected[labelValue(m, "tenant")] += int64(m.GetCounter().GetValue())
			}
		}
	}

	resp.RequestsTotal = int64(statusTotal)
	if statusTotal > 0 {
		resp.SuccessRate = successTotal / statusTotal
	}
	if latencyCount > 0 {
		resp.AvgLatencyMS = (latencySum / float64(latencyCount)) * 1000
	}

	writeJSON(w, http.StatusOK, resp)
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
