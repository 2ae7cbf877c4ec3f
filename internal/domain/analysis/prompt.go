package analysis

import (
	"fmt"
	"strings"
	"time"

	"github.com/inaya/casefile/internal/domain/records"
	"github.com/inaya/casefile/internal/platform/llm"
)

const analysisMaxTokens = 2000

const analysisSystemPrompt = `Tu es un assistant médical IA spécialisé dans la pré-analyse de documents médicaux.

Ton rôle est de fournir une synthèse structurée des documents médicaux pour aider les professionnels de santé.

IMPORTANT:
- Ceci est une PRÉ-ANALYSE, pas un diagnostic
- Toujours rappeler que ceci ne remplace pas l'avis d'un médecin
- Être factuel et objectif
- Signaler les éléments qui pourraient nécessiter une attention particulière
- Tenir compte des images jointes (ordonnances, comptes rendus, imagerie) au même titre que le texte

Structure ta réponse ainsi:
1. **Résumé** - Vue d'ensemble brève
2. **Observations clés** - Points importants identifiés
3. **Éléments à surveiller** - Signaux d'alerte potentiels
4. **Recommandations** - Suggestions pour le suivi

Réponds en français, au format markdown.`

// PatientContext is the patient block placed before the documents.
type PatientContext struct {
	FullName    string `json:"fullName"`
	PatientCode string `json:"patientCode,omitempty"`
	Age         *int   `json:"age,omitempty"`
	Gender      string `json:"gender,omitempty"`
}

// PatientContextFor builds the patient block for p as of today.
func PatientContextFor(p *records.Patient, today time.Time) PatientContext {
	pc := PatientContext{FullName: p.FullName, PatientCode: p.PatientCode, Age: p.Age(today)}
	if p.Gender != nil {
		pc.Gender = *p.Gender
	}
	return pc
}

func (pc PatientContext) write(b *strings.Builder) {
	if pc.FullName != "" {
		fmt.Fprintf(b, "Patient: %s\n", pc.FullName)
	}
	if pc.PatientCode != "" {
		fmt.Fprintf(b, "Code Patient: %s\n", pc.PatientCode)
	}
	if pc.Age != nil {
		fmt.Fprintf(b, "Âge: %d ans\n", *pc.Age)
	}
	if pc.Gender != "" {
		fmt.Fprintf(b, "Genre: %s\n", pc.Gender)
	}
}

// FormatTextBlocks labels each block with its file name and joins them with
// blank lines.
func FormatTextBlocks(blocks []TextBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, tb := range blocks {
		parts = append(parts, fmt.Sprintf("--- Document: %s ---\n%s", tb.FileName, tb.Text))
	}
	return strings.Join(parts, "\n\n")
}

// BuildAnalysisRequest assembles the pre-analysis prompt. Images follow the
// text in document order.
func BuildAnalysisRequest(pc *PatientContext, texts []TextBlock, images []string) llm.Request {
	var b strings.Builder
	if pc != nil {
		pc.write(&b)
		if b.Len() > 0 {
			b.WriteString("\n")
		}
	}

	if len(texts) > 0 {
		b.WriteString("Documents médicaux à analyser:\n\n")
		b.WriteString(FormatTextBlocks(texts))
	} else {
		b.WriteString("Aucun texte n'a pu être extrait des documents.")
	}

	if n := len(images); n > 0 {
		fmt.Fprintf(&b, "\n\n%d image(s) de documents médicaux sont jointes à ce message. Analyse-les également.", n)
	}

	return llm.Request{
		System:    analysisSystemPrompt,
		User:      b.String(),
		Images:    images,
		MaxTokens: analysisMaxTokens,
	}
}

func imageURIs(images []ImageAttachment) []string {
	uris := make([]string, 0, len(images))
	for _, img := range images {
		uris = append(uris, img.DataURI)
	}
	return uris
}
