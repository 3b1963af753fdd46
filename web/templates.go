package web

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
)

const layout = `{{define "layout"}}<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="referrer" content="no-referrer">
<title>{{if .Title}}{{.Title}}{{else}}OnionShare{{end}}</title>
</head>
<body>
<header><h1>{{if .Title}}{{.Title}}{{else}}OnionShare{{end}}</h1></header>
{{template "content" .}}
</body>
</html>
{{end}}`

var pages = map[string]string{
	"404": `{{define "content"}}<p>404 Not Found</p>{{end}}`,

	"403": `{{define "content"}}<p>You are not allowed to perform that action at this time.</p>{{end}}`,

	"share": `{{define "content"}}
<p>Total size: {{size .Data.Total}}</p>
<p><a href="{{.Prefix}}/download">Download {{if .Data.Archive}}all files as zip{{else}}file{{end}}</a></p>
<table>
<tr><th>Filename</th><th>Size</th></tr>
{{range .Data.Files}}<tr><td>{{.Name}}{{if .Dir}}/{{end}}</td><td>{{size .Size}}</td></tr>
{{end}}</table>
{{end}}`,

	"receive": `{{define "content"}}
<form method="post" enctype="multipart/form-data" action="{{.Prefix}}/upload">
{{if not .Data.DisableFiles}}<p><input type="file" name="file[]" multiple></p>{{end}}
{{if not .Data.DisableText}}<p><textarea name="text" rows="6" cols="60" placeholder="Optional message"></textarea></p>{{end}}
<p><button type="submit">Submit</button></p>
</form>
{{end}}`,

	"received": `{{define "content"}}
<p>Thank you for your submission.</p>
<ul>{{range .Data}}<li>{{.}}</li>{{end}}</ul>
<p><a href="{{.Prefix}}/">Send more</a></p>
{{end}}`,

	"listing": `{{define "content"}}
<h2>{{.Data.Path}}</h2>
<ul>
{{if ne .Data.Path "/"}}<li><a href="../">../</a></li>{{end}}
{{range .Data.Entries}}<li><a href="{{.Name}}{{if .Dir}}/{{end}}">{{.Name}}{{if .Dir}}/{{end}}</a></li>
{{end}}</ul>
{{end}}`,

	"chat": `{{define "content"}}
<p>Room: {{.Data.Room}}, you are <b>{{.Data.Username}}</b>.</p>
<form method="post" action="{{.Prefix}}/chat/username"><input name="username" value="{{.Data.Username}}" maxlength="128"><button type="submit">Change name</button></form>
<ol>
{{range .Data.Messages}}<li>{{if eq .Kind "status"}}<i>{{.Text}}</i>{{else}}<b>{{.Username}}</b>: {{.Text}}{{end}}</li>
{{end}}</ol>
<form method="post" action="{{.Prefix}}/chat/messages"><input name="message" size="60" maxlength="4096"><button type="submit">Send</button></form>
{{end}}`,
}

var templates = map[string]*template.Template{}

func init() {
	funcs := template.FuncMap{"size": humanSize}
	for name, content := range pages {
		t := template.Must(template.New(name).Funcs(funcs).Parse(layout))
		templates[name] = template.Must(t.Parse(content))
	}
}

type pageData struct {
	Title  string
	Prefix string
	Data   any
}

// page writes the page name with status.
func (s *Server) page(w http.ResponseWriter, status int, name string, data any) {
	var b bytes.Buffer
	err := templates[name].ExecuteTemplate(&b, "layout", pageData{s.config.Title, s.prefix, data})
	if err != nil {
		s.log.Errorf("executing template %s: %s", name, err)
		http.Error(w, "500 internal server error", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(b.Len()))
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(b.Bytes())
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
