// Package prompt renders the text sent to the LLM: the opening instruction
// turn and the per-table summary request.
package prompt

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/hoonartek/peggybuddy/internal/schema"
)

// Refusal is the sentence a restricted role receives instead of another
// identity's data.
const Refusal = "Sorry, we don't have this information"

//go:embed instruction.tmpl
var instructionText string

var instructionTmpl = template.Must(template.New("instruction").Parse(instructionText))

// Input carries everything substituted into the instruction.
type Input struct {
	Database       string
	Schema         string
	Tables         []schema.Table
	Username       string
	Role           string
	RestrictedRole string
}

// Compose renders the instruction turn. Identical input yields identical text.
func Compose(in Input) (string, error) {
	if len(in.Tables) == 0 {
		return "", fmt.Errorf("compose instruction: no tables")
	}
	if in.Username == "" || in.Role == "" {
		return "", fmt.Errorf("compose instruction: username and role are required")
	}

	data := struct {
		Input
		TableList string
		Context   string
		Refusal   string
	}{
		Input:     in,
		TableList: strings.Join(schema.TableNames(in.Tables), ", "),
		Context:   schema.ToText(in.Tables),
		Refusal:   Refusal,
	}

	var buf bytes.Buffer
	if err := instructionTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("compose instruction: %w", err)
	}
	return buf.String(), nil
}
