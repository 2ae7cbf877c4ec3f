package ocr

import (
	"context"

	"github.com/inaya/casefile/internal/platform/llm"
)

const transcriptionPrompt = "You are a medical document OCR specialist. Extract ALL text from the document image. " +
	"Return the text in a structured format, preserving headings and sections where possible."

// LLMOCR transcribes images with a vision-capable chat model.
type LLMOCR struct {
	client llm.Client
}

func NewLLMOCR(client llm.Client) *LLMOCR {
	return &LLMOCR{client: client}
}

func (o *LLMOCR) OCRImage(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyPayload
	}
	return o.client.Complete(ctx, llm.Request{
		System:    transcriptionPrompt,
		Images:    []string{DataURI(mimeType, data)},
		MaxTokens: 4000,
	})
}
