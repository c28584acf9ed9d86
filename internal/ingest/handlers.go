package ingest

import (
	"errors"

	"backend-riderpos/internal/gps"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/batches", authMiddleware, func(c *fiber.Ctx) error {
		var batch gps.Batch
		if err := c.BodyParser(&batch); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		riderID, _ := c.Locals("user_id").(string)
		if riderID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing identity")
		}

		ack, err := svc.IngestBatch(c.Context(), riderID, batch)
		switch {
		case errors.Is(err, ErrRiderMismatch):
			return fiber.NewError(fiber.StatusForbidden, err.Error())
		case errors.Is(err, ErrMalformedBatch):
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		case err != nil:
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(ack)
	})
}
