package analysis

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inaya/casefile/internal/domain/records"
	"github.com/inaya/casefile/internal/platform/llm"
)

// ErrAnalysisRequired is returned when an invoice is requested before the
// case has a pre-analysis.
var ErrAnalysisRequired = errors.New("run the AI pre-analysis before generating an invoice")

const (
	invoiceMaxTokens = 3000
	defaultCurrency  = "EUR"
)

const invoiceSystemPrompt = `Tu es un assistant de facturation pour une structure de facilitation médicale internationale.

À partir de la pré-analyse médicale et des informations fournies, rédige une FACTURE PROFORMA claire et professionnelle.

La facture doit comporter:
1. **En-tête** - Nom et adresse de la structure, numéro et date de facture
2. **Patient** - Identité du patient telle que fournie
3. **Objet médical** - Résumé en une ou deux phrases de la prise en charge envisagée
4. **Prestations** - Tableau détaillé (désignation, quantité, prix unitaire, total) des actes, examens, consultations, hospitalisation et frais annexes cohérents avec la pré-analyse
5. **Totaux** - Sous-total, taxes éventuelles et total à payer dans la devise indiquée
6. **Modalités de paiement** - Coordonnées bancaires et conditions si fournies
7. **Mentions légales** - Mentions fournies, ou à défaut la mention "Facture proforma, sans valeur comptable"

Les montants sont des estimations. N'invente pas d'informations d'identité absentes. Réponds en français, au format markdown.`

// InvoiceInput carries the billing fields of an invoice request.
type InvoiceInput struct {
	CaseID           uuid.UUID `json:"-"`
	StructureName    string    `json:"structureName"`
	StructureAddress string    `json:"structureAddress"`
	InvoiceNumber    string    `json:"invoiceNumber"`
	Currency         string    `json:"currency"`
	Country          string    `json:"country"`
	City             string    `json:"city"`
	BankDetails      string    `json:"bankDetails"`
	LegalMentions    string    `json:"legalMentions"`
}

type InvoiceResult struct {
	Invoice       string `json:"invoice"`
	InvoiceNumber string `json:"invoiceNumber"`
}

// DefaultInvoiceNumber is INV-<patientCode>-<last six digits of unix ms>.
func DefaultInvoiceNumber(patientCode string, now time.Time) string {
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	if len(ms) > 6 {
		ms = ms[len(ms)-6:]
	}
	return fmt.Sprintf("INV-%s-%s", patientCode, ms)
}

// FormatInvoiceDate renders t as DD/MM/YYYY.
func FormatInvoiceDate(t time.Time) string {
	return t.Format("02/01/2006")
}

// normalize fills the invoice number and currency defaults.
func (in *InvoiceInput) normalize(p *records.Patient, now time.Time) {
	in.InvoiceNumber = strings.TrimSpace(in.InvoiceNumber)
	if in.InvoiceNumber == "" {
		in.InvoiceNumber = DefaultInvoiceNumber(p.PatientCode, now)
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = defaultCurrency
	}
}

func line(b *strings.Builder, label, value string) {
	if strings.TrimSpace(value) != "" {
		fmt.Fprintf(b, "%s: %s\n", label, strings.TrimSpace(value))
	}
}

// BuildInvoiceRequest assembles the invoice prompt from a case whose patient
// is loaded and whose pre-analysis is stored.
func BuildInvoiceRequest(c *records.Case, in InvoiceInput, now time.Time) llm.Request {
	p := c.Patient
	var b strings.Builder

	b.WriteString("STRUCTURE\n")
	line(&b, "Nom", in.StructureName)
	line(&b, "Adresse", in.StructureAddress)
	line(&b, "Ville", in.City)
	line(&b, "Pays", in.Country)

	b.WriteString("\nFACTURE\n")
	line(&b, "Numéro", in.InvoiceNumber)
	line(&b, "Date", FormatInvoiceDate(now))
	line(&b, "Devise", in.Currency)

	b.WriteString("\nPATIENT\n")
	line(&b, "Nom complet", p.FullName)
	if age := p.Age(now); age != nil {
		line(&b, "Âge", fmt.Sprintf("%d ans", *age))
	}
	if p.PassportNumber != nil {
		line(&b, "Passeport", *p.PassportNumber)
	}
	if p.Nationality != nil {
		line(&b, "Nationalité", *p.Nationality)
	}

	b.WriteString("\nPRÉ-ANALYSE MÉDICALE\n")
	b.WriteString(strings.TrimSpace(*c.AIPreAnalysis))
	b.WriteString("\n")

	if strings.TrimSpace(in.BankDetails) != "" {
		b.WriteString("\nCOORDONNÉES BANCAIRES\n")
		b.WriteString(strings.TrimSpace(in.BankDetails))
		b.WriteString("\n")
	}
	if strings.TrimSpace(in.LegalMentions) != "" {
		b.WriteString("\nMENTIONS LÉGALES\n")
		b.WriteString(strings.TrimSpace(in.LegalMentions))
		b.WriteString("\n")
	}

	return llm.Request{
		System:    invoiceSystemPrompt,
		User:      b.String(),
		MaxTokens: invoiceMaxTokens,
	}
}
