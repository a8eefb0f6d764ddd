package recovery

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

var slog = logrus.WithField("process", "recovery-server")

// ContentSource resolves the payload of an object the retriever should
// serve symbols from.
type ContentSource interface {
	// Lookup returns the object bytes for a content location, plus its
	// content type and expiry.
	Lookup(toi uint32, contentLocation string) (data []byte, contentType string, expires uint64, ok bool)
}

// DirContentSource serves object payloads from files under a root
// directory, the way the demo retriever does.
type DirContentSource struct {
	Root string
}

func (d DirContentSource) Lookup(toi uint32, contentLocation string) ([]byte, string, uint64, bool) {
	clean := filepath.Clean("/" + contentLocation)
	path := filepath.Join(d.Root, clean)
	if !strings.HasPrefix(path, filepath.Clean(d.Root)+string(os.PathSeparator)) {
		return nil, "", 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", 0, false
	}
	return data, "application/octet-stream", 0, true
}

// Server exposes the recovery surface: GET /fdt serves the side-channel
// FDT file, POST /alc answers missing-symbol requests through a Retriever.
type Server struct {
	retriever *Retriever
	source    ContentSource
	fdtPath   string
	router    *mux.Router
}

// NewServer wires the HTTP handlers. fdtPath names the transmitter's
// last.fdt mirror.
func NewServer(retriever *Retriever, source ContentSource, fdtPath string) *Server {
	s := &Server{
		retriever: retriever,
		source:    source,
		fdtPath:   fdtPath,
		router:    mux.NewRouter(),
	}
	s.router.HandleFunc("/fdt", s.handleFdt).Methods(http.MethodGet)
	s.router.HandleFunc("/alc", s.handleAlc).Methods(http.MethodPost)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving the recovery endpoints.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) handleFdt(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.fdtPath)
	if err != nil {
		slog.WithError(err).Warn("no FDT available")
		http.Error(w, "no FDT available", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
	io.WriteString(w, frameSeparator)
}

// alcRequestBody mirrors the fetcher's JSON: numbers travel as strings.
type alcRequestBody struct {
	Toi     string              `json:"toi"`
	File    string              `json:"file"`
	Fec     string              `json:"fec"`
	Missing map[string][]string `json:"missing"`
}

func (s *Server) handleAlc(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	var req alcRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		slog.WithError(err).Warn("malformed /alc request")
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	toi, err := strconv.ParseUint(req.Toi, 10, 32)
	if err != nil {
		http.Error(w, "bad toi", http.StatusBadRequest)
		return
	}

	missing := make(map[uint16][]uint16, len(req.Missing))
	for sbnStr, esis := range req.Missing {
		sbn, err := strconv.ParseUint(sbnStr, 10, 16)
		if err != nil {
			continue
		}
		ids := make([]uint16, 0, len(esis))
		for _, esiStr := range esis {
			esi, err := strconv.ParseUint(esiStr, 10, 16)
			if err != nil {
				continue
			}
			ids = append(ids, uint16(esi))
		}
		if len(ids) > 0 {
			missing[uint16(sbn)] = ids
		}
	}

	data, contentType, expires, ok := s.source.Lookup(uint32(toi), req.File)
	if !ok {
		slog.Warnf("no content for %s (TOI %d)", req.File, toi)
		http.Error(w, "unknown object", http.StatusNotFound)
		return
	}

	frames, err := s.retriever.GetAlcs(req.File, contentType, expires, data, uint32(toi), missing)
	if err != nil {
		slog.WithError(err).Warn("failed to build recovery ALCs")
		http.Error(w, "retrieval failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(frames)
}
