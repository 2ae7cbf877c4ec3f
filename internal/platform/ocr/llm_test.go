package ocr

import (
	"context"
	"strings"
	"testing"

	"github.com/inaya/casefile/internal/platform/llm"
)

type recordingLLM struct {
	req llm.Request
	out string
}

func (r *recordingLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	r.req = req
	return r.out, nil
}

func TestLLMOCR_SendsImageAsDataURI(t *testing.T) {
	model := &recordingLLM{out: "Compte rendu opératoire"}
	text, err := NewLLMOCR(model).OCRImage(context.Background(), []byte("abc"), "image/png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Compte rendu opératoire" {
		t.Errorf("unexpected text %q", text)
	}
	if len(model.req.Images) != 1 || model.req.Images[0] != "data:image/png;base64,YWJj" {
		t.Errorf("unexpected images %v", model.req.Images)
	}
	if !strings.Contains(model.req.System, "OCR") || model.req.MaxTokens != 4000 {
		t.Errorf("unexpected request %+v", model.req)
	}
}
