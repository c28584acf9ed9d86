package query

import (
	"time"

	"backend-riderpos/internal/auth"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Get("/locations", authMiddleware, auth.RequireRole(auth.RoleAdmin), func(c *fiber.Ctx) error {
		latest, err := svc.Latest(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(latest)
	})

	r.Get("/riders/:id/history", authMiddleware, func(c *fiber.Ctx) error {
		riderID := c.Params("id")

		// riders may only read their own history; admins may read any
		callerID, _ := c.Locals("user_id").(string)
		role, _ := c.Locals("role").(string)
		if role != auth.RoleAdmin && callerID != riderID {
			return fiber.NewError(fiber.StatusForbidden, "not your history")
		}

		from, err := time.Parse(time.RFC3339, c.Query("from"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "from must be RFC3339")
		}
		to, err := time.Parse(time.RFC3339, c.Query("to"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "to must be RFC3339")
		}
		if to.Before(from) {
			return fiber.NewError(fiber.StatusBadRequest, "to before from")
		}

		positions, err := svc.Range(c.Context(), riderID, from, to)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(positions)
	})
}
