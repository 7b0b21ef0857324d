package render

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"

	"github.com/goccy/go-json"
)

// templateDoc is the on-disk shape of a template source: a JSON document
// whose subject/html/text fields are Go template strings and whose category
// field names the notification category the template declares.
type templateDoc struct {
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
	Text     string `json:"text"`
	Category string `json:"category"`
}

// GoTemplateRenderer renders template sources as Go html/text templates.
// It satisfies the Renderer contract: a malformed call fails the whole
// batch, a malformed individual template fails only its entry.
type GoTemplateRenderer struct{}

func (GoTemplateRenderer) RenderBatch(ctx context.Context, tenancyID string, inputs []Input) ([]Result, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("render batch for %s is empty", tenancyID)
	}

	results := make([]Result, len(inputs))
	for i, in := range inputs {
		out, err := renderOne(in)
		if err != nil {
			results[i] = Result{Err: err}
			continue
		}
		results[i] = Result{Output: out}
	}

	return results, nil
}

func renderOne(in Input) (Output, error) {
	var doc templateDoc
	if err := json.Unmarshal([]byte(in.TemplateSource), &doc); err != nil {
		return Output{}, fmt.Errorf("parse template source: %w", err)
	}
	if doc.HTML == "" {
		return Output{}, fmt.Errorf("template declares no html body")
	}

	html, err := executeHTML(doc.HTML, in.Variables)
	if err != nil {
		return Output{}, fmt.Errorf("render html: %w", err)
	}

	text := ""
	if doc.Text != "" {
		text, err = executeText(doc.Text, in.Variables)
		if err != nil {
			return Output{}, fmt.Errorf("render text: %w", err)
		}
	}

	subject, err := executeText(doc.Subject, in.Variables)
	if err != nil {
		return Output{}, fmt.Errorf("render subject: %w", err)
	}

	return Output{
		HTML:       html,
		Text:       text,
		Subject:    subject,
		CategoryID: doc.Category,
	}, nil
}

func executeHTML(src string, vars map[string]any) (string, error) {
	tmpl, err := htmltemplate.New("body").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func executeText(src string, vars map[string]any) (string, error) {
	tmpl, err := texttemplate.New("body").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
