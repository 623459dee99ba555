package reminder

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/divan/num2words"
	"github.com/shopspring/decimal"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9_]*)\s*\}\}`)

// Variables available to reminder templates.
var templateVars = []string{
	"studentName", "admissionNo", "grade", "campusName", "challanNo",
	"amount", "amountInWords", "totalAmount", "paidAmount",
	"dueDate", "daysOverdue", "bucket",
}

// Render substitutes {{name}} placeholders. Unknown names are an error so a
// typo never reaches a parent.
func Render(tmpl string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unknown template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// ValidateTemplate renders tmpl against sample values.
func ValidateTemplate(tmpl string) error {
	if strings.TrimSpace(tmpl) == "" {
		return fmt.Errorf("template is empty")
	}
	sample := make(map[string]string, len(templateVars))
	for _, v := range templateVars {
		sample[v] = v
	}
	_, err := Render(tmpl, sample)
	return err
}

// AmountInWords spells out the whole part of an amount.
func AmountInWords(amount decimal.Decimal) string {
	whole := amount.Truncate(0).IntPart()
	paisa := amount.Sub(amount.Truncate(0)).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	words := num2words.Convert(int(whole))
	if paisa > 0 {
		return fmt.Sprintf("%s and %02d/100", words, paisa)
	}
	return words
}
