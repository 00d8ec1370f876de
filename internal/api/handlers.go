package api

import (
	"bufio"
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/harrylevesque/qrdrop/internal/collector"
	"github.com/harrylevesque/qrdrop/internal/transmit"
)

const maxFramesBody = 8 << 20

type handler struct {
	deps Deps
}

var viewerPage = template.Must(template.New("viewer").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>qrdrop</title>
<style>
body { margin: 0; background: #fff; display: flex; flex-direction: column; align-items: center; justify-content: center; min-height: 100vh; font-family: sans-serif; }
img { width: min(90vw, 90vh); height: auto; image-rendering: pixelated; }
#info { margin-top: 1em; color: #555; }
</style>
</head>
<body>
<img id="frame" src="/frame.png" alt="frame">
<div id="info"></div>
<script>
const img = document.getElementById("frame");
const info = document.getElementById("info");
setInterval(async () => {
  const res = await fetch("/frame.png", {cache: "no-store"});
  if (!res.ok) { info.textContent = "waiting for first frame"; return; }
  const url = URL.createObjectURL(await res.blob());
  const old = img.src;
  img.src = url;
  if (old.startsWith("blob:")) URL.revokeObjectURL(old);
  info.textContent = "frame " + res.headers.get("X-Frame-Index");
}, {{.RefreshMS}});
</script>
</body>
</html>
`))

func (h *handler) viewer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := viewerPage.Execute(w, struct{ RefreshMS int64 }{h.deps.Refresh.Milliseconds()})
	if err != nil {
		h.deps.Logger.Error("Failed to render viewer", zap.Error(err))
	}
}

// FramePNG serves the frame on display
func (h *handler) framePNG(w http.ResponseWriter, r *http.Request) {
	index, _, png, ok := h.deps.Current.Get()
	if !ok {
		http.Error(w, "no frame on display yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Index", strconv.Itoa(index))
	w.Write(png)
}

// FrameText serves the JSON text encoded in the frame on display
func (h *handler) frameText(w http.ResponseWriter, r *http.Request) {
	index, text, _, ok := h.deps.Current.Get()
	if !ok {
		http.Error(w, "no frame on display yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Index", strconv.Itoa(index))
	w.Write([]byte(text))
}

type framesResponse struct {
	Lines  int                  `json:"lines"`
	Totals collector.Totals     `json:"totals"`
	Status []collector.Progress `json:"sessions"`
}

// PostFrames feeds decoded texts, one per line, to the collector
func (h *handler) postFrames(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxFramesBody)
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), maxFramesBody)
	lines := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		h.deps.Collector.OnFrameDecoded(line)
		lines++
	}
	if err := sc.Err(); err != nil {
		http.Error(w, "failed to read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, framesResponse{
		Lines:  lines,
		Totals: h.deps.Collector.Totals(),
		Status: h.deps.Collector.Snapshot(),
	})
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	h.deps.Collector.Reset()
	if h.deps.OnReset != nil {
		h.deps.OnReset()
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Sessions []collector.Progress `json:"sessions,omitempty"`
	Totals   *collector.Totals    `json:"totals,omitempty"`
	Log      []collector.Entry    `json:"log,omitempty"`
	Transmit *transmit.Stats      `json:"transmit,omitempty"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if c := h.deps.Collector; c != nil {
		resp.Sessions = c.Snapshot()
		totals := c.Totals()
		resp.Totals = &totals
	}
	if h.deps.Ring != nil {
		resp.Log = h.deps.Ring.Entries()
	}
	if h.deps.Stats != nil {
		stats := h.deps.Stats()
		resp.Transmit = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
