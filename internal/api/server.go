// Package api is the collector's HTTP surface: crash submission and a
// health probe.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	logging "github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/dharsanguruparan/CrashVault/internal/config"
	"github.com/dharsanguruparan/CrashVault/internal/model"
	"github.com/dharsanguruparan/CrashVault/internal/storage"
	"github.com/dharsanguruparan/CrashVault/internal/throttle"
)

var log = logging.MustGetLogger("api")

// CrashIDPrefix is prepended to the id in submission responses.
const CrashIDPrefix = "bp-"

const maxFieldBytes = 64 << 10

// Saver stores one submitted report. *storage.Collector implements it.
type Saver interface {
	Save(ctx context.Context, id string, meta model.Metadata, dump []byte, submitted time.Time) (storage.Result, throttle.Decision, error)
}

// Server exposes the collector endpoints.
type Server struct {
	cfg    *config.Config
	saver  Saver
	now    func() time.Time
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, saver Saver) *Server {
	return &Server{cfg: cfg, saver: saver, now: time.Now}
}

// Handler returns the routes, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/submit", s.handleSubmit)
	return loggingMiddleware(mux)
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Infof("collector listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxDumpBytes+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	meta, dump, err := s.readForm(mr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := s.now()
	meta["timestamp"] = float64(now.UnixNano()) / 1e9
	id := model.NewCrashID(now)
	result, decision, err := s.saver.Save(r.Context(), id, meta, dump, now)
	switch {
	case decision == throttle.Discard:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "Discarded=1\n")
	case result == storage.OK:
		log.Infof("%s received (%s dump, %s)", id, humanize.Bytes(uint64(len(dump))), decision)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "CrashID=%s%s\n", CrashIDPrefix, id)
	default:
		log.Errorf("%s could not be stored: %v", id, err)
		http.Error(w, "failed to store crash", http.StatusInternalServerError)
	}
}

// readForm turns every field except the dump into metadata.
func (s *Server) readForm(mr *multipart.Reader) (model.Metadata, []byte, error) {
	meta := model.Metadata{}
	var dump []byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "read form")
		}
		name := part.FormName()
		if name == s.cfg.DumpField {
			dump, err = readLimited(part, s.cfg.MaxDumpBytes)
		} else if name != "" {
			var value []byte
			value, err = readLimited(part, maxFieldBytes)
			meta[name] = string(value)
		}
		part.Close()
		if err != nil {
			return nil, nil, errors.Wrapf(err, "field %s", name)
		}
	}
	if dump == nil {
		return nil, nil, errors.Errorf("missing %s", s.cfg.DumpField)
	}
	return meta, dump, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, errors.Errorf("exceeds limit (%s)", humanize.Bytes(uint64(limit)))
	}
	return buf.Bytes(), nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Errorf("encode response: %v", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
