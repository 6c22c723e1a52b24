package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var dossierTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t any, layout string) string {
			switch v := t.(type) {
			case time.Time:
				return v.Format(layout)
			case *time.Time:
				if v == nil {
					return ""
				}
				return v.Format(layout)
			default:
				return ""
			}
		},
	}
	dossierTemplate = template.Must(template.New("dossier").Funcs(funcMap).Parse(dossierHTML))
}

// TemplateData holds data for dossier template rendering.
type TemplateData struct {
	ProposalID    string
	Trigger       string
	ConflictKind  string
	ActionKind    string
	ApprovalLevel string
	Status        string
	Description   string
	Reasoning     string
	EdgeIDs       []string
	Warnings      []string
	RejectReason  string
	CreatedAt     time.Time
	Consents      []TemplateConsent
	Resolution    *TemplateResolution
	Snapshot      []TemplateSnapshotEntry
	Audit         []TemplateAuditEvent
}

// TemplateConsent is one recorded consent row.
type TemplateConsent struct {
	Principal string
	GrantedAt time.Time
}

// TemplateResolution describes the executed resolution, if any.
type TemplateResolution struct {
	ID           string
	Kind         string
	ResolvedBy   string
	CreatedAt    time.Time
	Orphaned     bool
	OrphanedAt   *time.Time
	UndoDeadline *time.Time
}

// TemplateSnapshotEntry is one pre-mutation edge state.
type TemplateSnapshotEntry struct {
	EdgeID     string
	Existed    bool
	Superseded bool
	Annotation string
}

// TemplateAuditEvent is one audit trail row.
type TemplateAuditEvent struct {
	Action    string
	Actor     string
	Blocked   bool
	Reason    string
	CreatedAt time.Time
}

// RenderDossierHTML renders the dossier template with provided data.
func RenderDossierHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := dossierTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const dossierHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Proposal {{.ProposalID}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .status { display: inline-block; padding: 0.1rem 0.5rem; border: 1px solid #333; border-radius: 3px; }
    .reasoning { background: #f5f5f5; padding: 1rem; border-left: 3px solid #333; white-space: pre-wrap; }
    .blocked { color: #a00; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; font-size: 0.9em; }
  </style>
</head>
<body>
  <h1>Proposal {{.ProposalID}}</h1>
  <div class="meta">
    <span class="status">{{.Status}}</span>
    {{.Trigger}} | {{.ConflictKind}} | {{.ActionKind}} | {{.ApprovalLevel}} |
    created {{formatDate .CreatedAt "Jan 2, 2006 15:04"}}
  </div>

  <h2>Description</h2>
  <p>{{.Description}}</p>

  <h2>Reasoning</h2>
  <div class="reasoning">{{.Reasoning}}</div>

  {{if .EdgeIDs}}
  <h2>Affected Edges</h2>
  <ul>{{range .EdgeIDs}}<li>{{.}}</li>{{end}}</ul>
  {{end}}

  {{if .Warnings}}
  <h2>Warnings</h2>
  <ul>{{range .Warnings}}<li>{{.}}</li>{{end}}</ul>
  {{end}}

  {{if .RejectReason}}
  <h2>Rejection</h2>
  <p>{{.RejectReason}}</p>
  {{end}}

  {{if .Consents}}
  <h2>Consents</h2>
  <table>
    <tr><th>Principal</th><th>Granted</th></tr>
    {{range .Consents}}<tr><td>{{.Principal}}</td><td>{{formatDate .GrantedAt "Jan 2, 2006 15:04"}}</td></tr>{{end}}
  </table>
  {{end}}

  {{if .Resolution}}
  <h2>Resolution</h2>
  <table>
    <tr><th>ID</th><td>{{.Resolution.ID}}</td></tr>
    <tr><th>Kind</th><td>{{.Resolution.Kind}}</td></tr>
    <tr><th>Resolved by</th><td>{{.Resolution.ResolvedBy}}</td></tr>
    <tr><th>Executed</th><td>{{formatDate .Resolution.CreatedAt "Jan 2, 2006 15:04"}}</td></tr>
    {{if .Resolution.UndoDeadline}}<tr><th>Undo deadline</th><td>{{formatDate .Resolution.UndoDeadline "Jan 2, 2006 15:04"}}</td></tr>{{end}}
    {{if .Resolution.Orphaned}}<tr><th>Orphaned</th><td>{{if .Resolution.OrphanedAt}}{{formatDate .Resolution.OrphanedAt "Jan 2, 2006 15:04"}}{{else}}yes{{end}}</td></tr>{{end}}
  </table>
  {{end}}

  {{if .Snapshot}}
  <h2>Snapshot</h2>
  <table>
    <tr><th>Edge</th><th>Existed</th><th>Superseded</th><th>Annotation</th></tr>
    {{range .Snapshot}}<tr><td>{{.EdgeID}}</td><td>{{.Existed}}</td><td>{{.Superseded}}</td><td>{{.Annotation}}</td></tr>{{end}}
  </table>
  {{end}}

  {{if .Audit}}
  <h2>Audit Trail</h2>
  <table>
    <tr><th>Action</th><th>Actor</th><th>When</th><th>Note</th></tr>
    {{range .Audit}}<tr{{if .Blocked}} class="blocked"{{end}}><td>{{.Action}}</td><td>{{.Actor}}</td><td>{{formatDate .CreatedAt "Jan 2, 2006 15:04"}}</td><td>{{.Reason}}</td></tr>{{end}}
  </table>
  {{end}}
</body>
</html>`
