package oauth

import (
	"bytes"
	"html/template"
)

// credentialFormData feeds the credential entry template. All values are
// escaped by html/template; the hidden fields round-trip the authorization
// request parameters through the form submission.
type credentialFormData struct {
	ClientName    string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	State         string
	Scope         string
	SubmitPath    string
	ErrorMessage  string
}

var credentialFormTemplate = template.Must(template.New("credential_form").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Connect Readwise</title>
  <style>
    body { font-family: system-ui, sans-serif; background: #f5f5f4; margin: 0; }
    .card { max-width: 26rem; margin: 4rem auto; background: #fff; border-radius: 8px;
            padding: 2rem; box-shadow: 0 1px 4px rgba(0,0,0,0.1); }
    h1 { font-size: 1.25rem; margin-top: 0; }
    p { color: #555; font-size: 0.9rem; }
    label { display: block; font-weight: 600; margin-bottom: 0.5rem; }
    input[type=password] { width: 100%; box-sizing: border-box; padding: 0.5rem;
            border: 1px solid #ccc; border-radius: 4px; font-size: 1rem; }
    button { margin-top: 1rem; width: 100%; padding: 0.6rem; background: #2563eb;
            color: #fff; border: none; border-radius: 4px; font-size: 1rem; cursor: pointer; }
    .error { background: #fef2f2; color: #b91c1c; padding: 0.6rem; border-radius: 4px;
            font-size: 0.9rem; margin-bottom: 1rem; }
  </style>
</head>
<body>
  <div class="card">
    <h1>Connect your Readwise account</h1>
    <p>{{if .ClientName}}<strong>{{.ClientName}}</strong>{{else}}An MCP client{{end}}
       is requesting access to your Readwise Reader library.
       Enter your Readwise API token to continue. You can find it at
       readwise.io/access_token.</p>
    {{if .ErrorMessage}}<div class="error">{{.ErrorMessage}}</div>{{end}}
    <form method="POST" action="{{.SubmitPath}}">
      <input type="hidden" name="client_id" value="{{.ClientID}}">
      <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
      <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
      <input type="hidden" name="state" value="{{.State}}">
      <input type="hidden" name="scope" value="{{.Scope}}">
      <label for="readwise_token">Readwise API token</label>
      <input type="password" id="readwise_token" name="readwise_token" autocomplete="off" required>
      <button type="submit">Authorize</button>
    </form>
  </div>
</body>
</html>
`))

// renderCredentialForm executes the form template into a buffer so template
// errors surface before any bytes reach the client.
func renderCredentialForm(data credentialFormData) ([]byte, error) {
	var buf bytes.Buffer
	if err := credentialFormTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
