package patient

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients", h.CreatePatient)
	api.GET("/patients/latest", h.LatestPatient)
	api.GET("/patients/:id", h.GetPatient)
	api.POST("/patients/:id/records", h.AppendRecords)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	p, err := bindPayload(c)
	if err != nil {
		return err
	}
	patient, err := h.svc.Intake(c.Request().Context(), p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, patient)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	patient, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, patient)
}

func (h *Handler) LatestPatient(c echo.Context) error {
	patient, err := h.svc.LatestPatient(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, patient)
}

func (h *Handler) AppendRecords(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := bindPayload(c)
	if err != nil {
		return err
	}
	patient, err := h.svc.Append(c.Request().Context(), id, p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, patient)
}

func bindPayload(c echo.Context) (Payload, error) {
	p, err := DecodePayload(c.Request().Body)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	return p, nil
}

func httpError(err error) *echo.HTTPError {
	var (
		validation *ValidationError
		domain     *DomainError
		integrity  *IntegrityError
		storage    *StorageError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &validation), errors.As(err, &domain):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &integrity):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &storage):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
