package analysis

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/inaya/casefile/internal/platform/llm"
)

const passportSystemPrompt = `You are a passport OCR specialist. Extract the following information from the passport image and return ONLY a JSON object with these exact fields:
- fullName: The full name as shown on the passport
- nationality: The nationality
- passportNumber: The passport number
- dateOfBirth: Date of birth in YYYY-MM-DD format
- gender: M or F

If you cannot find a field, use an empty string. Return ONLY the JSON object, no other text.`

const passportMaxTokens = 500

// PassportData holds the identity fields read from a passport scan.
type PassportData struct {
	FullName       string `json:"fullName"`
	Nationality    string `json:"nationality"`
	PassportNumber string `json:"passportNumber"`
	DateOfBirth    string `json:"dateOfBirth"`
	Gender         string `json:"gender"`
}

var codeFence = regexp.MustCompile("```(?:json)?\\s*|\\s*```")

func buildPassportRequest(dataURI string) llm.Request {
	return llm.Request{
		System:    passportSystemPrompt,
		Images:    []string{dataURI},
		MaxTokens: passportMaxTokens,
	}
}

// ParsePassport decodes the model answer. Markdown code fences are removed;
// an unparsable answer yields empty fields.
func ParsePassport(raw string) PassportData {
	var pd PassportData
	cleaned := strings.TrimSpace(codeFence.ReplaceAllString(raw, ""))
	if err := json.Unmarshal([]byte(cleaned), &pd); err != nil {
		return PassportData{}
	}
	pd.FullName = strings.TrimSpace(pd.FullName)
	pd.Nationality = strings.TrimSpace(pd.Nationality)
	pd.PassportNumber = strings.TrimSpace(pd.PassportNumber)
	pd.DateOfBirth = strings.TrimSpace(pd.DateOfBirth)
	pd.Gender = strings.ToUpper(strings.TrimSpace(pd.Gender))
	return pd
}
