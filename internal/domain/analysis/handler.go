package analysis

import (
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/inaya/casefile/internal/domain/records"
	"github.com/inaya/casefile/internal/platform/auth"
	"github.com/inaya/casefile/internal/platform/blobstore"
	"github.com/inaya/casefile/internal/platform/llm"
	"github.com/inaya/casefile/internal/platform/ocr"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the /ai routes. m runs before the role check.
func (h *Handler) RegisterRoutes(api *echo.Group, m ...echo.MiddlewareFunc) {
	m = append(m, auth.RequireRole(auth.RoleAdmin, auth.RoleStaff))
	g := api.Group("/ai", m...)

	g.POST("/analyze", h.Analyze)
	g.POST("/analyze-direct", h.AnalyzeDirect)
	g.POST("/extract-text", h.ExtractText)
	g.POST("/ocr", h.ReadPassport)
	g.POST("/invoice", h.GenerateInvoice)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNoDocuments), errors.Is(err, ErrNoExtractableContent),
		errors.Is(err, ErrImagePayloadMissing), errors.Is(err, ErrNothingToAnalyze),
		errors.Is(err, ErrAnalysisRequired), errors.Is(err, records.ErrValidation),
		errors.Is(err, ocr.ErrUnsupportedType), errors.Is(err, ocr.ErrEmptyPayload):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, records.ErrCaseNotFound), errors.Is(err, records.ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, llm.ErrNotConfigured):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

type analyzeRequest struct {
	CaseID string `json:"caseId"`
	Async  bool   `json:"async"`
}

func (h *Handler) Analyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.CaseID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "caseId is required")
	}
	caseID, err := uuid.Parse(req.CaseID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid caseId")
	}
	ctx := c.Request().Context()

	if req.Async {
		job, already, err := h.svc.QueueAnalysis(ctx, caseID, auth.UserIDFromContext(ctx))
		if err != nil {
			return httpError(err)
		}
		resp := echo.Map{"success": true, "queued": true}
		if already {
			resp["alreadyQueued"] = true
		} else {
			resp["jobId"] = job.ID
		}
		return c.JSON(http.StatusAccepted, resp)
	}

	analysis, err := h.svc.AnalyzeCase(ctx, caseID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "analysis": analysis})
}

func (h *Handler) AnalyzeDirect(c echo.Context) error {
	var in DirectInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	analysis, err := h.svc.AnalyzeDirect(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "analysis": analysis})
}

func readUpload(c echo.Context) (*multipart.FileHeader, []byte, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()
	data, err := blobstore.ReadAll(f)
	if err != nil {
		return nil, nil, httpError(err)
	}
	return fh, data, nil
}

func uploadMIME(fh *multipart.FileHeader) string {
	if ct := fh.Header.Get(echo.HeaderContentType); ct != "" && ct != echo.MIMEOctetStream {
		return ct
	}
	return blobstore.ContentTypeForName(fh.Filename)
}

func (h *Handler) ExtractText(c echo.Context) error {
	fh, data, err := readUpload(c)
	if err != nil {
		return err
	}
	text, err := h.svc.ExtractText(c.Request().Context(), data, uploadMIME(fh))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "text": text, "fileName": fh.Filename})
}

func (h *Handler) ReadPassport(c echo.Context) error {
	fh, data, err := readUpload(c)
	if err != nil {
		return err
	}
	parsed, raw, err := h.svc.ReadPassport(c.Request().Context(), data, uploadMIME(fh))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "data": parsed, "raw": raw})
}

type invoiceRequest struct {
	CaseID string `json:"caseId"`
	InvoiceInput
}

func (h *Handler) GenerateInvoice(c echo.Context) error {
	var req invoiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	caseID, err := uuid.Parse(req.CaseID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "caseId is required")
	}
	in := req.InvoiceInput
	in.CaseID = caseID

	res, err := h.svc.GenerateInvoice(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":       true,
		"invoice":       res.Invoice,
		"invoiceNumber": res.InvoiceNumber,
	})
}
