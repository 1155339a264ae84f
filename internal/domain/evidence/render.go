package evidence

import (
	"fmt"
	"html/template"
	"io"
)

var fragments = template.Must(template.New("evidence").Funcs(template.FuncMap{
	"score": func(s *float64) string {
		if s == nil {
			return ""
		}
		return fmt.Sprintf("%.2f", *s)
	},
}).Parse(`
{{define "popover"}}<div class="evidence-popover" role="dialog">
{{- if .Evidence}}{{range .Evidence.Documents}}
<section class="evidence-document" data-source-type="{{.SourceType}}" data-source-id="{{.SourceID}}">
<h4>{{.SourceType}}{{if .SourceID.String}} #{{.SourceID}}{{end}}</h4>
{{- range .Segments}}
<span class="segment{{if .IsMatch}} match{{end}}" data-index="{{.Index}}"{{if .IsMatch}} title="Similarity: {{score .Score}}"{{end}}>{{.Content}}</span>
{{- end}}
</section>{{end}}
{{- else}}<p class="evidence-empty">{{.Placeholder}}</p>{{end}}
</div>{{end}}

{{define "sentences"}}<p class="summary">
{{- range .}}
<span class="sentence sentence-{{.State}}{{if .LowConfidence}} low-confidence{{end}}" data-index="{{.Index}}">{{.Text}}
{{- if .LowConfidence}}<sup class="low-confidence-marker" title="Weak supporting evidence">!</sup>{{end}}</span>
{{- if .Popover}}{{template "popover" .Popover}}{{end}}
{{- end}}
</p>{{end}}

{{define "panel"}}<div class="source-panel">
{{- with .Banner}}
<div class="similarity-banner" role="alert" data-dismissible="{{.Dismissible}}">{{.Message}}</div>
{{- end}}
{{- range .Blocks}}
<article class="source-block" data-source-type="{{.SourceType}}" data-source-id="{{.SourceID}}">
<header>{{.SourceType}}{{if .SourceID.String}} #{{.SourceID}}{{end}}</header>
{{- range .Segments}}
<span id="segment-{{.Index}}" class="segment{{if .Highlighted}} highlighted{{end}}"{{if .Tooltip}} title="{{.Tooltip}}"{{end}}>{{.Content}}</span>
{{- end}}
</article>
{{- end}}
</div>{{end}}
`))

// WritePopover renders a sentence's evidence popover as an HTML fragment.
func WritePopover(w io.Writer, p *Popover) error {
	return fragments.ExecuteTemplate(w, "popover", p)
}

// WriteSentences renders sentence views as an HTML fragment.
func WriteSentences(w io.Writer, views []SentenceView) error {
	return fragments.ExecuteTemplate(w, "sentences", views)
}

// WritePanel renders the source panel as an HTML fragment.
func WritePanel(w io.Writer, v PanelView) error {
	return fragments.ExecuteTemplate(w, "panel", v)
}
