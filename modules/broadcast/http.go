package broadcast

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/gorilla/mux"
)

const (
	homePage       = "home/index.html"
	controllerPage = "controller/index.html"
)

var contentTypes = map[string]string{
	".html": "text/html",
	".css":  "text/css",
	".js":   "text/javascript",
	".mp3":  "audio/mpeg",
}

type commandRequest struct {
	Command string `json:"command"`
}

type statusResponse struct {
	State     State  `json:"state"`
	Listeners int    `json:"listeners"`
	Track     *Track `json:"track,omitempty"`
}

// RegisterRoutes adds the listener, control and page routes to r.
func (c *Controller) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/stream", c.streamHandler).Methods(http.MethodGet)
	r.HandleFunc("/controller", c.commandHandler).Methods(http.MethodPost)
	r.HandleFunc("/status", c.statusHandler).Methods(http.MethodGet)

	r.Handle("/", http.RedirectHandler("/home", http.StatusFound)).Methods(http.MethodGet)
	r.HandleFunc("/home", c.pageHandler(homePage)).Methods(http.MethodGet)
	r.HandleFunc("/controller", c.pageHandler(controllerPage)).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(c.fileHandler).Methods(http.MethodGet)
}

func (c *Controller) streamHandler(w http.ResponseWriter, r *http.Request) {
	id, sink := c.registry.Connect()
	defer c.registry.Disconnect(id)

	// Unblocks the read below when the listener goes away.
	go func() {
		<-r.Context().Done()
		c.registry.Disconnect(id)
	}()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, c.cfg.ChunkSize)
	for {
		n, err := sink.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Controller) commandHandler(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid command payload", http.StatusBadRequest)
		return
	}

	writeJSON(w, c.HandleCommand(r.Context(), req.Command))
}

func (c *Controller) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		State:     c.PlaybackState(),
		Listeners: c.registry.Len(),
	}
	if t, ok := c.Track(); ok {
		resp.Track = &t
	}

	writeJSON(w, resp)
}

func (c *Controller) pageHandler(page string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.serveFile(w, r, page)
	}
}

func (c *Controller) fileHandler(w http.ResponseWriter, r *http.Request) {
	c.serveFile(w, r, r.URL.Path)
}

func (c *Controller) serveFile(w http.ResponseWriter, r *http.Request, rel string) {
	f, typ, err := c.files.Open(rel)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		c.logger.Error("error opening file", "path", rel, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType(typ))
	if _, err := io.Copy(w, f); err != nil {
		c.logger.Debug("error writing file", "path", rel, "err", err)
	}
}

func contentType(ext string) string {
	if t, ok := contentTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
