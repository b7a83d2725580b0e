package patient

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dhos/services-api/internal/domain/entity"
	"github.com/dhos/services-api/internal/domain/records"
	"github.com/dhos/services-api/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the patient API on g, which is expected to be the
// /dhos group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	read := g.Group("", auth.RequireScope(auth.ScopeReadPatient))
	read.GET("/v1/patient/:patient_id", h.GetPatient)
	read.GET("/v1/patient/record/:record_id", h.GetPatientByRecord)

	write := g.Group("", auth.RequireScope(auth.ScopeWritePatient))
	write.POST("/v1/patient", h.CreatePatient)
	write.PATCH("/v1/patient/:patient_id", h.UpdatePatient)
	write.PATCH("/v1/patient/:patient_id/delete", h.RemoveFromPatient)
	write.POST("/v1/patient/:patient_id/product/:product_id/close", h.ClosePatient)
	write.POST("/v1/patient/:patient_id/product/:product_id/stop_monitoring", h.StopMonitoring)
	write.POST("/v1/patient/:patient_id/product/:product_id/start_monitoring", h.StartMonitoring)
	write.POST("/v1/patient/:patient_id/terms_agreement", h.AddTermsAgreement)
	write.POST("/v2/patient/:patient_id/terms_agreement", h.AddTermsAgreement)
	write.POST("/v1/location/:location_id/patient/:patient_id/bookmark", h.Bookmark)
	write.DELETE("/v1/location/:location_id/patient/:patient_id/bookmark", h.RemoveBookmark)
	write.POST("/v1/patient/:patient_id/first_medication", h.RecordFirstMedication)
	write.POST("/v1/patient/validate/:nhs_number", h.ValidateNHSNumber)
	write.POST("/v1/patient/validate", h.ValidatePatientDetails)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	product, err := productName(c)
	if err != nil {
		return err
	}
	body, err := decodeTree(c)
	if err != nil {
		return err
	}
	p, err := h.svc.CreatePatient(c.Request().Context(), product, body)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	product := c.QueryParam("product_name")
	if product == "" {
		product = c.QueryParam("type")
	}
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("patient_id"), product)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPatientByRecord(c echo.Context) error {
	p, err := h.svc.GetPatientByRecord(c.Request().Context(), c.Param("record_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	body, err := decodeTree(c)
	if err != nil {
		return err
	}
	p, err := h.svc.UpdatePatient(c.Request().Context(), c.Param("patient_id"), body)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RemoveFromPatient(c echo.Context) error {
	body, err := decodeTree(c)
	if err != nil {
		return err
	}
	p, err := h.svc.RemoveFromPatient(c.Request().Context(), c.Param("patient_id"), body)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type closeRequest struct {
	ClosedDate        string `json:"closed_date"`
	ClosedReason      string `json:"closed_reason"`
	ClosedReasonOther string `json:"closed_reason_other"`
}

func (h *Handler) ClosePatient(c echo.Context) error {
	var req closeRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	p, err := h.svc.ClosePatientProduct(c.Request().Context(), c.Param("patient_id"), c.Param("product_id"), records.Closure{
		ClosedDate:        req.ClosedDate,
		ClosedReason:      req.ClosedReason,
		ClosedReasonOther: req.ClosedReasonOther,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) StartMonitoring(c echo.Context) error { return h.setMonitored(c, true) }

func (h *Handler) StopMonitoring(c echo.Context) error { return h.setMonitored(c, false) }

func (h *Handler) setMonitored(c echo.Context, monitored bool) error {
	p, err := h.svc.SetMonitored(c.Request().Context(), c.Param("patient_id"), c.Param("product_id"), monitored)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) AddTermsAgreement(c echo.Context) error {
	body, err := decodeTree(c)
	if err != nil {
		return err
	}
	terms, err := h.svc.AddTermsAgreement(c.Request().Context(), c.Param("patient_id"), body)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, terms)
}

func (h *Handler) Bookmark(c echo.Context) error { return h.bookmark(c, true) }

func (h *Handler) RemoveBookmark(c echo.Context) error { return h.bookmark(c, false) }

func (h *Handler) bookmark(c echo.Context, bookmarked bool) error {
	p, err := h.svc.Bookmark(c.Request().Context(), c.Param("location_id"), c.Param("patient_id"), bookmarked)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type firstMedicationRequest struct {
	Taken    *string `json:"first_medication_taken"`
	Recorded *string `json:"first_medication_taken_recorded"`
}

func (h *Handler) RecordFirstMedication(c echo.Context) error {
	var req firstMedicationRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	if req.Taken == nil || req.Recorded == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "first_medication_taken and first_medication_taken_recorded are required")
	}
	if err := h.svc.RecordFirstMedication(c.Request().Context(), c.Param("patient_id"), *req.Taken, *req.Recorded); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ValidateNHSNumber(c echo.Context) error {
	product, err := productName(c)
	if err != nil {
		return err
	}
	if err := h.svc.ValidateNHSNumber(c.Request().Context(), c.Param("nhs_number"), product); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (h *Handler) ValidatePatientDetails(c echo.Context) error {
	product, err := productName(c)
	if err != nil {
		return err
	}
	body, err := decodeTree(c)
	if err != nil {
		return err
	}
	if err := h.svc.ValidatePatientDetails(c.Request().Context(), product, body); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

// productName reads the required product_name query parameter, falling
// back to the older type parameter.
func productName(c echo.Context) (string, error) {
	product := c.QueryParam("product_name")
	if product == "" {
		product = c.QueryParam("type")
	}
	if product == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "Missing required query parameter 'product_name'")
	}
	return product, nil
}

func decodeTree(c echo.Context) (entity.Tree, error) {
	var body entity.Tree
	if err := decodeJSON(c, &body); err != nil {
		return nil, err
	}
	if body == nil {
		body = entity.Tree{}
	}
	return body, nil
}

// decodeJSON reads the request body into v. An empty body leaves v
// untouched.
func decodeJSON(c echo.Context, v any) error {
	err := json.NewDecoder(c.Request().Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body: "+err.Error())
}

// httpError maps service errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, entity.ErrValidation),
		errors.Is(err, entity.ErrUnknownField),
		errors.Is(err, entity.ErrPatchRejected),
		errors.Is(err, entity.ErrMalformedList):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, entity.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, entity.ErrDuplicate), errors.Is(err, entity.ErrStateConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}
