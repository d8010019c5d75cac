package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pbcex/settlement/internal/audit"
)

// RegisterHealthRoutes adds liveness/readiness style endpoints. Audit findings are reported without
// failing the probe.
func RegisterHealthRoutes(app *fiber.App, d Deps, scheduler *audit.Scheduler) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		dbStatus := "ok"
		redisStatus := "ok"

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if d.DB != nil {
			if err := d.DB.Ping(ctx); err != nil {
				dbStatus = err.Error()
			}
		}
		if d.Cache != nil {
			if err := d.Cache.Ping(ctx).Err(); err != nil {
				redisStatus = err.Error()
			}
		}
		status := http.StatusOK
		if dbStatus != "ok" || redisStatus != "ok" {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    fiber.Map{"postgres": dbStatus, "redis": redisStatus, "audit": auditStatus(scheduler.Last())},
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

func auditStatus(st audit.Status) fiber.Map {
	switch {
	case !st.Ran:
		return fiber.Map{"state": "pending"}
	case st.Err != nil:
		return fiber.Map{"state": "error", "error": st.Err.Error(), "ran_at": st.Report.RanAt}
	case !st.Healthy:
		return fiber.Map{
			"state":      "findings",
			"imbalanced": len(st.Report.Imbalanced()),
			"drift":      len(st.Report.Drift),
			"ran_at":     st.Report.RanAt,
		}
	default:
		return fiber.Map{"state": "ok", "ran_at": st.Report.RanAt}
	}
}
