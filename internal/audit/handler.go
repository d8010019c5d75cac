package audit

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// Handler exposes the audit report to administrators.
type Handler struct {
	scheduler *Scheduler
}

// NewHandler constructs an audit handler.
func NewHandler(scheduler *Scheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

type assetRow struct {
	Asset      string          `json:"asset"`
	Debits     decimal.Decimal `json:"debits"`
	Credits    decimal.Decimal `json:"credits"`
	Difference decimal.Decimal `json:"difference"`
}

type driftRow struct {
	AccountID    string          `json:"account_id"`
	Asset        string          `json:"asset"`
	Materialized decimal.Decimal `json:"materialized"`
	Recomputed   decimal.Decimal `json:"recomputed"`
}

type reportResponse struct {
	Healthy      bool       `json:"healthy"`
	RanAt        time.Time  `json:"ran_at"`
	TrialBalance []assetRow `json:"trial_balance"`
	Drift        []driftRow `json:"drift"`
}

// Run audits the ledger now and returns the report.
func (h *Handler) Run(c *fiber.Ctx) error {
	st := h.scheduler.RunOnce(c.UserContext())
	if st.Err != nil {
		return fiber.NewError(http.StatusInternalServerError, st.Err.Error())
	}
	return c.JSON(toResponse(st))
}

func toResponse(st Status) reportResponse {
	out := reportResponse{
		Healthy:      st.Healthy,
		RanAt:        st.Report.RanAt,
		TrialBalance: make([]assetRow, 0, len(st.Report.TrialBalance)),
		Drift:        make([]driftRow, 0, len(st.Report.Drift)),
	}
	for _, r := range st.Report.TrialBalance {
		out.TrialBalance = append(out.TrialBalance, assetRow{Asset: r.Asset, Debits: r.Debits, Credits: r.Credits, Difference: r.Difference})
	}
	for _, d := range st.Report.Drift {
		out.Drift = append(out.Drift, driftRow{AccountID: d.AccountID, Asset: d.Asset, Materialized: d.Materialized, Recomputed: d.Recomputed})
	}
	return out
}
