package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/inaya/casefile/internal/domain/records"
	"github.com/inaya/casefile/internal/platform/auth"
)

func newTestServer(t *testing.T) (*echo.Echo, *testEnv) {
	t.Helper()
	env := newTestEnv()
	e := echo.New()
	e.Use(auth.DevAuthMiddleware(nil))
	api := e.Group("/api/v1")
	records.NewHandler(env.records).RegisterRoutes(api)
	NewHandler(env.svc).RegisterRoutes(api)
	return e, env
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func doUpload(e *echo.Echo, path, fileName string, content []byte) *httptest.ResponseRecorder {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", fileName)
	_, _ = fw.Write(content)
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func mustCreate(t *testing.T, e *echo.Echo, path, body string) map[string]any {
	t.Helper()
	rec := doJSON(e, http.MethodPost, path, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST %s: expected 201, got %d: %s", path, rec.Code, rec.Body.String())
	}
	return decode(t, rec)
}

func TestHandler_AnalyzeEndToEnd(t *testing.T) {
	e, env := newTestServer(t)

	p := mustCreate(t, e, "/api/v1/patients", `{"fullName":"Youssef Amrani"}`)
	c := mustCreate(t, e, "/api/v1/cases", `{"patientId":"`+p["id"].(string)+`"}`)
	caseID := c["id"].(string)
	mustCreate(t, e, "/api/v1/cases/"+caseID+"/documents",
		`{"fileName":"bilan.txt","fileType":"text/plain","extractedText":"Hémoglobine 13"}`)

	rec := doJSON(e, http.MethodPost, "/api/v1/ai/analyze", `{"caseId":"`+caseID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["success"] != true || !strings.Contains(body["analysis"].(string), "AVERTISSEMENT") {
		t.Errorf("unexpected body %v", body)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/cases/"+caseID, "")
	if got := decode(t, rec)["status"]; got != records.StatusAnalyzed {
		t.Errorf("expected ANALYZED, got %v", got)
	}
	if env.model.calls() != 1 {
		t.Errorf("expected one model call, got %d", env.model.calls())
	}
}

func TestHandler_AnalyzeWithoutDocuments(t *testing.T) {
	e, env := newTestServer(t)
	p := mustCreate(t, e, "/api/v1/patients", `{"fullName":"Lina"}`)
	c := mustCreate(t, e, "/api/v1/cases", `{"patientId":"`+p["id"].(string)+`"}`)

	rec := doJSON(e, http.MethodPost, "/api/v1/ai/analyze", `{"caseId":"`+c["id"].(string)+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env.model.calls() != 0 {
		t.Error("model must not be called")
	}
}

func TestHandler_AnalyzeValidation(t *testing.T) {
	e, _ := newTestServer(t)
	tests := []struct {
		body string
		want int
	}{
		{`{}`, http.StatusBadRequest},
		{`{"caseId":"nope"}`, http.StatusBadRequest},
		{`{"caseId":"6f1c1f8e-5a55-4a4e-9a53-2d4b0f2f3c11"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := doJSON(e, http.MethodPost, "/api/v1/ai/analyze", tt.body); rec.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.body, tt.want, rec.Code)
		}
	}
}

func TestHandler_AnalyzeAsync(t *testing.T) {
	e, env := newTestServer(t)
	p := mustCreate(t, e, "/api/v1/patients", `{"fullName":"Omar"}`)
	c := mustCreate(t, e, "/api/v1/cases", `{"patientId":"`+p["id"].(string)+`"}`)

	rec := doJSON(e, http.MethodPost, "/api/v1/ai/analyze", `{"caseId":"`+c["id"].(string)+`","async":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["queued"] != true || body["jobId"] == "" {
		t.Errorf("unexpected body %v", body)
	}
	if n, _ := env.jobs.Len(context.Background()); n != 1 {
		t.Errorf("expected one queued job, got %d", n)
	}
	if env.model.calls() != 0 {
		t.Error("async request must not call the model inline")
	}
}

func TestHandler_InvoiceRequiresAnalysis(t *testing.T) {
	e, _ := newTestServer(t)
	p := mustCreate(t, e, "/api/v1/patients", `{"fullName":"Nadia"}`)
	c := mustCreate(t, e, "/api/v1/cases", `{"patientId":"`+p["id"].(string)+`"}`)
	caseID := c["id"].(string)

	rec := doJSON(e, http.MethodPost, "/api/v1/ai/invoice", `{"caseId":"`+caseID+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	doJSON(e, http.MethodPatch, "/api/v1/cases/"+caseID, `{"aiPreAnalysis":"Analyse manuelle"}`)
	rec = doJSON(e, http.MethodPost, "/api/v1/ai/invoice", `{"caseId":"`+caseID+`","structureName":"Clinique","invoiceNumber":"F-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["invoiceNumber"]; got != "F-1" {
		t.Errorf("unexpected invoice number %v", got)
	}
}

func TestHandler_ExtractText(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doUpload(e, "/api/v1/ai/extract-text", "note.txt", []byte("Tension normale"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["text"] != "Tension normale" || body["fileName"] != "note.txt" {
		t.Errorf("unexpected body %v", body)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/extract-text", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without a file, got %d", rec.Code)
	}
}

func TestHandler_OCR(t *testing.T) {
	e, env := newTestServer(t)
	env.model.answer = `{"fullName":"JANE DOE","passportNumber":"P99"}`

	rec := doUpload(e, "/api/v1/ai/ocr", "passport.png", []byte("\x89PNG\r\n\x1a\nxxxx"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	data := decode(t, rec)["data"].(map[string]any)
	if data["fullName"] != "JANE DOE" || data["passportNumber"] != "P99" {
		t.Errorf("unexpected data %v", data)
	}
}

func TestHandler_AnalyzeDirectEmpty(t *testing.T) {
	e, _ := newTestServer(t)
	if rec := doJSON(e, http.MethodPost, "/api/v1/ai/analyze-direct", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
