package records

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/inaya/casefile/internal/platform/auth"
	"github.com/inaya/casefile/internal/platform/blobstore"
	"github.com/inaya/casefile/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleStaff))

	g.POST("/patients", h.CreatePatient)
	g.GET("/patients", h.ListPatients)
	g.GET("/patients/search", h.SearchPatients)
	g.GET("/patients/:id", h.GetPatient)
	g.PATCH("/patients/:id", h.UpdatePatient)

	g.POST("/cases", h.CreateCase)
	g.GET("/cases", h.ListCases)
	g.GET("/cases/:id", h.GetCase)
	g.PATCH("/cases/:id", h.UpdateCase)

	g.POST("/cases/:id/documents", h.AddDocument)
	g.POST("/cases/:id/documents/upload", h.UploadDocument)
	g.GET("/cases/:id/documents", h.ListDocuments)
	g.GET("/documents/:id/content", h.GetDocumentContent)

	g.POST("/cases/:id/notes", h.AddNote)
	g.GET("/cases/:id/notes", h.ListNotes)
}

// httpError maps service errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, blobstore.ErrMissingFileName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPatientNotFound), errors.Is(err, ErrCaseNotFound),
		errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrNoContent), errors.Is(err, blobstore.ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Patients --

func (h *Handler) CreatePatient(c echo.Context) error {
	var in PatientInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	force, _ := strconv.ParseBool(c.QueryParam("force"))

	p, err := h.svc.CreatePatient(c.Request().Context(), in, force)
	var dup *DuplicatePatientError
	if errors.As(err, &dup) {
		e := dup.Existing
		return c.JSON(http.StatusConflict, echo.Map{
			"message": err.Error(),
			"error":   err.Error(),
			"existing": echo.Map{
				"id":             e.ID,
				"patientCode":    e.PatientCode,
				"fullName":       e.FullName,
				"passportNumber": e.PassportNumber,
				"dateOfBirth":    e.DateOfBirth,
			},
		})
	}
	if err != nil {
		return httpError(err)
	}
	p.Cases = []*Case{}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatients(c.Request().Context(), c.QueryParam("search"), pg.Limit, pg.Offset())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"patients":   nonNil(items),
		"pagination": pagination.NewMeta(pg, total),
	})
}

func (h *Handler) SearchPatients(c echo.Context) error {
	matches, err := h.svc.SearchPatients(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, matches)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if p.Cases == nil {
		p.Cases = []*Case{}
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in PatientInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.UpdatePatient(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Cases --

func (h *Handler) CreateCase(c echo.Context) error {
	var body struct {
		PatientID string `json:"patientId"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.PatientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patientId is required")
	}
	patientID, err := uuid.Parse(body.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}
	cs, err := h.svc.CreateCase(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cs)
}

func (h *Handler) ListCases(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := CaseFilter{Status: c.QueryParam("status")}
	if raw := c.QueryParam("patientId"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
		}
		filter.PatientID = &pid
	}

	items, total, err := h.svc.ListCases(c.Request().Context(), filter, pg.Limit, pg.Offset())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"cases":      nonNil(items),
		"pagination": pagination.NewMeta(pg, total),
	})
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cs, err := h.svc.GetCase(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

func (h *Handler) UpdateCase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var patch CasePatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cs, err := h.svc.UpdateCase(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

// -- Documents --

func (h *Handler) AddDocument(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in DocumentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.AddDocument(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) UploadDocument(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	d, err := h.svc.UploadDocument(c.Request().Context(), id, fh.Filename, fh.Header.Get(echo.HeaderContentType), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) ListDocuments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	docs, err := h.svc.ListDocuments(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *Handler) GetDocumentContent(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := h.svc.GetDocument(ctx, id)
	if err != nil {
		return httpError(err)
	}
	data, _, err := h.svc.DocumentPayload(ctx, d)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", d.FileName))
	return c.Blob(http.StatusOK, d.FileType, data)
}

// -- Notes --

func (h *Handler) AddNote(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Content  string `json:"content"`
		AuthorID string `json:"authorId"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var authorID *uuid.UUID
	if body.AuthorID != "" {
		aid, err := uuid.Parse(body.AuthorID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid authorId")
		}
		authorID = &aid
	}
	n, err := h.svc.AddNote(c.Request().Context(), id, body.Content, authorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, n)
}

func (h *Handler) ListNotes(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	notes, err := h.svc.ListNotes(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, notes)
}
