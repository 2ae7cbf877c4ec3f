package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/inaya/casefile/internal/platform/auth"
)

type Handler struct {
	svc    *Service
	secret string
}

// NewHandler guards the destructive endpoint with secret. An empty secret
// keeps it closed.
func NewHandler(svc *Service, secret string) *Handler {
	return &Handler{svc: svc, secret: secret}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/admin")
	g.POST("/clean-db", h.CleanDatabase, auth.RequireBearerSecret(h.secret))
	g.GET("/stats", h.Stats, auth.RequireRole(auth.RoleAdmin))
}

func (h *Handler) CleanDatabase(c echo.Context) error {
	deleted, err := h.svc.CleanDatabase(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "Database cleaned",
		"deleted": deleted,
	})
}

func (h *Handler) Stats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}
