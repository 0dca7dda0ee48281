package http

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

var pageTemplates = template.Must(template.New("pages").Parse(`
{{define "head"}}<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>{{.}}</title>
    <style>
        body { font-family: Arial, sans-serif; background: #111; color: #eee; margin: 0; padding: 20px; }
        a { color: #4cf; }
        .card { background: #1c1c1c; border-radius: 6px; padding: 16px; margin: 12px auto; max-width: 560px; }
        .muted { color: #999; font-size: 0.9em; }
        .down { color: #e74c3c; }
        audio { width: 100%; margin-top: 12px; }
    </style>
</head>
<body>{{end}}

{{define "index"}}{{template "head" "YouTube Playlist Radio"}}
    <h2>Playlists</h2>
    {{range .}}
    <div class="card">
        <b>{{.Name}}</b> <span class="muted">{{.Mode}}</span>
        {{if not .Healthy}}<span class="down">unavailable</span>{{end}}
        <div class="muted">{{.State}}{{if .Current}} · {{.Current}}{{end}} · {{.Listeners}} listening</div>
        <a href="/listen/{{.Name}}">Listen</a> · <a href="/stream/{{.Name}}">Stream URL</a>
    </div>
    {{else}}
    <p class="muted">No playlists configured.</p>
    {{end}}
</body>
</html>{{end}}

{{define "listen"}}{{template "head" .Name}}
    <div class="card">
        <h2>{{.Name}}</h2>
        <div class="muted">{{.Mode}} · {{.Items}} items</div>
        <audio controls autoplay preload="none" src="/stream/{{.Name}}"></audio>
        <p><a href="/">All playlists</a></p>
    </div>
</body>
</html>{{end}}
`))

// indexHandler lists every playlist with a link to its player.
func (s *Server) indexHandler(w http.ResponseWriter, _ *http.Request) {
	s.render(w, "index", s.statuses())
}

// listenHandler serves a minimal player page for one playlist.
func (s *Server) listenHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	session, getErr := s.sessions.Get(name)
	if getErr != nil {
		writeError(w, http.StatusNotFound, getErr.Error())
		return
	}
	s.render(w, "listen", session.Status())
}

func (s *Server) render(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if execErr := pageTemplates.ExecuteTemplate(w, name, data); execErr != nil {
		s.logger.Error("Failed to render page",
			slog.String("page", name),
			slog.String("error", execErr.Error()))
	}
}
