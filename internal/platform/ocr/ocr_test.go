package ocr

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
)

type fakeImageOCR struct {
	calls    int
	lastMIME string
	text     string
	err      error
}

func (f *fakeImageOCR) OCRImage(_ context.Context, _ []byte, mimeType string) (string, error) {
	f.calls++
	f.lastMIME = mimeType
	return f.text, f.err
}

func TestNormalizeMIME(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	tests := []struct {
		name string
		mime string
		data []byte
		want string
	}{
		{"explicit", "image/png", nil, "image/png"},
		{"parameters stripped", "Text/Plain; charset=utf-8", nil, "text/plain"},
		{"jpg alias", "image/jpg", nil, "image/jpeg"},
		{"sniff pdf", "", []byte("%PDF-1.7 ..."), "application/pdf"},
		{"sniff octet-stream png", "application/octet-stream", png, "image/png"},
		{"sniff text", "", []byte("hello world"), "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeMIME(tt.mime, tt.data); got != tt.want {
				t.Errorf("NormalizeMIME(%q) = %q, want %q", tt.mime, got, tt.want)
			}
		})
	}
}

func TestRouter_RoutesImagesToOCR(t *testing.T) {
	img := &fakeImageOCR{text: "ORDONNANCE"}
	r := NewRouter(img)

	text, err := r.Extract(context.Background(), []byte("\xff\xd8\xff\xe0jpeg"), "image/jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "ORDONNANCE" || img.calls != 1 || img.lastMIME != "image/jpeg" {
		t.Errorf("unexpected routing: text=%q calls=%d mime=%q", text, img.calls, img.lastMIME)
	}
}

func TestRouter_PlainTextPassesThrough(t *testing.T) {
	img := &fakeImageOCR{}
	text, err := NewRouter(img).Extract(context.Background(), []byte("Tension 12/8"), "text/plain")
	if err != nil || text != "Tension 12/8" {
		t.Fatalf("unexpected result (%q, %v)", text, err)
	}
	if img.calls != 0 {
		t.Error("text must not go through image OCR")
	}
}

func TestRouter_Errors(t *testing.T) {
	r := NewRouter(&fakeImageOCR{err: errors.New("quota")})

	if _, err := r.Extract(context.Background(), nil, "image/png"); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, got %v", err)
	}
	if _, err := r.Extract(context.Background(), []byte("PK\x03\x04zip"), "application/zip"); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
	if _, err := r.Extract(context.Background(), []byte("img"), "image/png"); err == nil || err.Error() != "quota" {
		t.Errorf("expected backend error to propagate, got %v", err)
	}
	if _, err := NewRouter(nil).Extract(context.Background(), []byte("img"), "image/png"); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType without backend, got %v", err)
	}
}

func TestRouter_ExtractsPDF(t *testing.T) {
	data, err := os.ReadFile("testdata/hello.pdf")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	img := &fakeImageOCR{}
	text, err := NewRouter(img).Extract(context.Background(), data, "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(text, "Bonjour Docteur") {
		t.Errorf("expected PDF text, got %q", text)
	}
	if img.calls != 0 {
		t.Error("PDFs must not go through image OCR")
	}
}

func TestExtractPDFText_RejectsNonPDF(t *testing.T) {
	if _, err := ExtractPDFText([]byte("not a pdf")); err == nil {
		t.Fatal("expected error for missing header")
	}
}

func TestTidyText(t *testing.T) {
	in := "  Compte   rendu \r\n\r\n\r\nTension  12/8\n\n"
	want := "Compte rendu\n\nTension 12/8"
	if got := tidyText(in); got != want {
		t.Errorf("tidyText = %q, want %q", got, want)
	}
}

func TestDataURIAndDecode(t *testing.T) {
	uri := DataURI("image/png", []byte("abc"))
	if uri != "data:image/png;base64,YWJj" {
		t.Fatalf("unexpected data URI %q", uri)
	}

	data, mt, err := DecodeBase64(uri)
	if err != nil || string(data) != "abc" || mt != "image/png" {
		t.Fatalf("unexpected decode (%q, %q, %v)", data, mt, err)
	}

	data, mt, err = DecodeBase64("YWJj")
	if err != nil || string(data) != "abc" || mt != "" {
		t.Fatalf("unexpected raw decode (%q, %q, %v)", data, mt, err)
	}

	if _, _, err := DecodeBase64("data:image/png;base64"); err == nil {
		t.Error("expected error for data URI without payload")
	}
	if _, _, err := DecodeBase64("!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestVisionText(t *testing.T) {
	if text, err := visionText(nil); err != nil || text != "" {
		t.Errorf("nil response: (%q, %v)", text, err)
	}
	if text, err := visionText(&visionpb.BatchAnnotateImagesResponse{
		Responses: []*visionpb.AnnotateImageResponse{{}},
	}); err != nil || text != "" {
		t.Errorf("empty annotation: (%q, %v)", text, err)
	}

	resp := &visionpb.BatchAnnotateImagesResponse{
		Responses: []*visionpb.AnnotateImageResponse{{
			FullTextAnnotation: &visionpb.TextAnnotation{Text: "  PASSPORT\nDUPONT  "},
		}},
	}
	text, err := visionText(resp)
	if err != nil || text != "PASSPORT\nDUPONT" {
		t.Errorf("unexpected text (%q, %v)", text, err)
	}
}

func TestVisionRequestUsesDocumentTextDetection(t *testing.T) {
	req := visionRequest([]byte("img"))
	if len(req.Requests) != 1 || len(req.Requests[0].Features) != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Requests[0].Features[0].Type != visionpb.Feature_DOCUMENT_TEXT_DETECTION {
		t.Errorf("unexpected feature %v", req.Requests[0].Features[0].Type)
	}
}
