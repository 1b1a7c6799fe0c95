package eprescribe

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/erx/internal/platform/auth"
	"github.com/ehr/erx/internal/platform/dosespot"
)

// Signature headers accepted on vendor callbacks, in order of preference.
var signatureHeaders = []string{"X-DoseSpot-Signature", "X-Webhook-Signature"}

const maxWebhookBody = 1 << 20

type Handler struct {
	facade *Facade
}

func NewHandler(f *Facade) *Handler {
	return &Handler{facade: f}
}

// RegisterRoutes mounts the prescribing API on api and the vendor callback
// on hooks. hooks must not sit behind bearer auth.
func (h *Handler) RegisterRoutes(api *echo.Group, hooks *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RolePrescriber, auth.RoleAdmin))
	g.GET("/status", h.Status)
	g.POST("/prescriptions", h.CreatePrescription)
	g.GET("/prescriptions/:id", h.GetPrescription)
	g.POST("/prescriptions/:id/send", h.SendPrescription)
	g.POST("/prescriptions/:id/cancel", h.CancelPrescription)
	g.POST("/prescriptions/:id/sync", h.SyncPrescription)
	g.POST("/sso", h.SingleSignOn)
	g.GET("/pharmacies", h.SearchPharmacies)
	g.GET("/medications", h.SearchMedications)

	hooks.POST("/dosespot", h.Webhook)
}

func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"provider":       h.facade.Provider(),
		"vendor_enabled": h.facade.IsVendorEnabled(),
		"epcs_enabled":   h.facade.IsRegulatoryModeEnabled(),
	})
}

func (h *Handler) CreatePrescription(c echo.Context) error {
	var req DraftRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	out, err := h.facade.CreatePrescriptionDraft(ctx, req, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	res, ok := out.Value()
	if !ok {
		return h.deferred(c)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetPrescription(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.facade.GetPrescription(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) SendPrescription(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	out, err := h.facade.SendPrescription(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	res, ok := out.Value()
	if !ok {
		return h.deferred(c)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CancelPrescription(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	out, err := h.facade.CancelPrescription(c.Request().Context(), id, body.Reason)
	if err != nil {
		return httpError(err)
	}
	res, ok := out.Value()
	if !ok {
		return h.deferred(c)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SyncPrescription(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.facade.SyncPrescriptionStatus(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SingleSignOn(c echo.Context) error {
	var req SSORequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	if req.UserID == "" {
		req.UserID = auth.UserIDFromContext(ctx)
	}
	res, err := h.facade.GetSingleSignOnURL(ctx, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SearchPharmacies(c echo.Context) error {
	var loc *dosespot.Location
	lat, lon := c.QueryParam("latitude"), c.QueryParam("longitude")
	if lat != "" || lon != "" {
		l, err := parseLocation(lat, lon, c.QueryParam("radius"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		loc = l
	}
	out, err := h.facade.SearchPharmacies(c.Request().Context(), c.QueryParam("query"), loc)
	if err != nil {
		return httpError(err)
	}
	res, ok := out.Value()
	if !ok {
		return h.deferred(c)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SearchMedications(c echo.Context) error {
	q := c.QueryParam("query")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	out, err := h.facade.SearchMedications(c.Request().Context(), q)
	if err != nil {
		return httpError(err)
	}
	res, ok := out.Value()
	if !ok {
		return h.deferred(c)
	}
	return c.JSON(http.StatusOK, res)
}

// Webhook ingests a vendor callback. The body is read raw so the signature
// is checked over the exact bytes sent.
func (h *Handler) Webhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	var sig string
	for _, name := range signatureHeaders {
		if sig = c.Request().Header.Get(name); sig != "" {
			break
		}
	}
	if err := h.facade.HandleWebhook(c.Request().Context(), body, sig); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) deferred(c echo.Context) error {
	return c.JSON(http.StatusNotImplemented, map[string]any{
		"provider": h.facade.Provider(),
		"deferred": true,
	})
}

func parseLocation(lat, lon, radius string) (*dosespot.Location, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return nil, errors.New("invalid latitude")
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return nil, errors.New("invalid longitude")
	}
	loc := &dosespot.Location{Latitude: la, Longitude: lo}
	if radius != "" {
		r, err := strconv.ParseFloat(radius, 64)
		if err != nil || r <= 0 {
			return nil, errors.New("invalid radius")
		}
		loc.Radius = r
	}
	return loc, nil
}

// httpError maps domain and transport errors onto HTTP responses. Vendor
// failures surface as 502 without the vendor body.
func httpError(err error) error {
	var apiErr *dosespot.APIError
	switch {
	case errors.Is(err, ErrNotConfigured):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "e-prescribing vendor is not configured")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidSignature):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
	case errors.Is(err, ErrMalformedWebhook):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &apiErr):
		return echo.NewHTTPError(http.StatusBadGateway, map[string]any{
			"message":       "e-prescribing vendor request failed",
			"vendor_status": apiErr.StatusCode,
		}).SetInternal(err)
	case errors.Is(err, dosespot.ErrAuthentication):
		return echo.NewHTTPError(http.StatusBadGateway, "e-prescribing vendor authentication failed").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
