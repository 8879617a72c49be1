// Package server exposes the patch-mirror's public and mirror-only HTTP
// routes over a chi router, with request buffering, per-IP rate limiting,
// and per-request timeouts.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/inconshreveable/log15/v3"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"golang.org/x/time/rate"

	"github.com/aurorium/patchmirror/pkg/mirror"
	"github.com/aurorium/patchmirror/pkg/revision"
)

const (
	routeRevisions   = "/revisions"
	routeFile        = "/{revision}/*"
	routeMirror      = "/mirror"
	routeMirrorFiles = "/mirror/files/{revision}/*"

	contentType        = "Content-Type"
	contentLength      = "Content-Length"
	contentDisposition = "Content-Disposition"

	contentTypePlain = "text/plain; charset=utf-8"
	contentTypeXML   = "text/xml"

	manifestFile = "LatestFileList.xml"

	// bufferedRequests bounds the number of requests admitted to the
	// public routes concurrently before further requests block.
	bufferedRequests = 1024
)

// Config carries the tunables the serving layer needs beyond the revision
// store and mirror broadcaster themselves.
type Config struct {
	SaveRoot          string
	MaxRequests       int
	ResetInterval     time.Duration
	RequestTimeout    time.Duration
	MirrorIPs         []string
	TrustForwardedFor bool
}

// Server is the patch-mirror's HTTP server.
type Server struct {
	cfg         Config
	store       *revision.Store
	broadcaster *mirror.Broadcaster
	logger      log15.Logger
	router      *chi.Mux
}

// New returns a Server ready to handle requests.
func New(cfg Config, store *revision.Store, broadcaster *mirror.Broadcaster, logger log15.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
	}

	s.router = createRouter(s)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// SetPrometheusGatherer mounts gatherer at /metrics. Called once, before
// the server starts serving, when --prometheus-enabled is set.
func (s *Server) SetPrometheusGatherer(gatherer promclient.Gatherer) {
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func createRouter(s *Server) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(otelchi.Middleware("patchmirror"))
	router.Use(requestLogger(s.logger))
	router.Use(middleware.Recoverer)

	// Request buffering, rate limiting, and the per-request timeout are
	// a public-route budget (spec.md §4.7); the mirror routes carry a
	// long-lived SSE connection and a bulk file-serving path that would
	// otherwise share and exhaust that budget. RealIP is scoped to this
	// group too, so the mirror allowlist sees the physical peer address
	// unless TrustForwardedFor is set.
	router.Group(func(r chi.Router) {
		r.Use(middleware.RealIP)
		r.Use(bufferRequests(bufferedRequests))
		r.Use(rateLimit(s.cfg.MaxRequests, s.cfg.ResetInterval))
		r.Use(requestTimeout(s.cfg.RequestTimeout))

		r.Get(routeRevisions, s.getRevisions)
		r.Get(routeFile, s.getFile)
	})

	router.Group(func(r chi.Router) {
		r.Use(s.mirrorOnly)
		r.Get(routeMirror, s.getMirror)
		r.Get(routeMirrorFiles, s.getMirrorFile)
	})

	return router
}

// vendorUserAgent is the User-Agent the game client's patcher sends.
// Requests without it are still served; they're only tagged
// differently in the access log.
const vendorUserAgent = "KingsIsle Patcher"

func requestLogger(logger log15.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			startedAt := time.Now()
			reqID := middleware.GetReqID(r.Context())

			tag := ""
			if !strings.Contains(r.UserAgent(), vendorUserAgent) {
				tag = "[UNAUTHORIZED] "
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info(fmt.Sprintf("%s%s %s", tag, r.Method, r.RequestURI),
					"status", ww.Status(),
					"elapsed", time.Since(startedAt),
					"from", r.RemoteAddr,
					"reqID", reqID,
					"bytes", ww.BytesWritten(),
					"userAgent", r.UserAgent(),
				)
			}()

			next.ServeHTTP(ww, r)
		}

		return http.HandlerFunc(fn)
	}
}

// bufferRequests admits at most n requests at a time to the handlers below
// it, blocking further requests until a slot frees up.
func bufferRequests(n int) func(http.Handler) http.Handler {
	sem := make(chan struct{}, n)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sem <- struct{}{}
			defer func() { <-sem }()

			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit enforces a token-bucket limit of maxRequests per resetInterval,
// keyed by the request's remote IP.
func rateLimit(maxRequests int, resetInterval time.Duration) func(http.Handler) http.Handler {
	var limiters sync.Map // map[string]*rate.Limiter

	limit := rate.Every(resetInterval / time.Duration(maxRequests))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			v, _ := limiters.LoadOrStore(host, rate.NewLimiter(limit, maxRequests))
			limiter := v.(*rate.Limiter)

			if !limiter.Allow() {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(http.StatusText(http.StatusTooManyRequests)))

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requestTimeout bounds a request's handling time; on timeout it responds
// 500 with the error text, matching spec.md's documented behaviour.
func requestTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			done := make(chan struct{})

			go func() {
				next.ServeHTTP(w, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(ctx.Err().Error()))
			}
		})
	}
}

// mirrorOnly rejects requests whose peer address is not a literal IPv4
// address present in cfg.MirrorIPs.
func (s *Server) mirrorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer := s.peerAddr(r)

		if !s.mirrorAllowed(peer) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(http.StatusText(http.StatusForbidden)))

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) peerAddr(r *http.Request) string {
	if s.cfg.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.Split(fwd, ",")

			return strings.TrimSpace(parts[0])
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

func (s *Server) mirrorAllowed(peer string) bool {
	ip := net.ParseIP(peer)
	if ip == nil || ip.To4() == nil {
		return false
	}

	for _, allowed := range s.cfg.MirrorIPs {
		if allowed == peer {
			return true
		}
	}

	return false
}

func (s *Server) getRevisions(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0)
	for _, rev := range s.store.All() {
		names = append(names, rev.Name)
	}

	w.Header().Set(contentType, "application/json")

	if err := json.NewEncoder(w).Encode(names); err != nil {
		s.logger.Error("error writing revisions response", "error", err)
	}
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	revisionName := chi.URLParam(r, "revision")
	filePath := chi.URLParam(r, "*")

	candidate, ok := s.store.FindRevisionForAsset(r.Context(), revisionName, filePath)
	if !ok {
		s.notFound(w)

		return
	}

	diskPath, ok := containedPath(candidate.Path, filePath)
	if !ok {
		s.notFound(w)

		return
	}

	s.serveFile(w, diskPath, filePath)
}

func (s *Server) getMirror(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	ch, unsubscribe := s.broadcaster.Subscribe()
	defer unsubscribe()

	w.Header().Set(contentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeSnapshot(w, s.broadcaster.Snapshot()); err != nil {
		s.logger.Error("error writing initial mirror snapshot", "error", err)

		return
	}

	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, ok := <-ch:
			if !ok {
				return
			}

			if err := writeSnapshot(w, snapshot); err != nil {
				s.logger.Error("error writing mirror snapshot", "error", err)

				return
			}

			flusher.Flush()
		}
	}
}

func writeSnapshot(w http.ResponseWriter, snapshot []string) error {
	body, err := mirror.MarshalSnapshot(snapshot)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", body)

	return err
}

func (s *Server) getMirrorFile(w http.ResponseWriter, r *http.Request) {
	revisionName := chi.URLParam(r, "revision")
	tail := chi.URLParam(r, "*")

	relPath := filepath.Join(revisionName, filepath.FromSlash(tail))

	diskPath, ok := containedPath(s.cfg.SaveRoot, relPath)
	if !ok {
		s.notFound(w)

		return
	}

	s.serveFile(w, diskPath, tail)
}

// containedPath joins rel onto root and confirms the cleaned result still
// falls under root, rejecting any ".." traversal a path parameter might
// carry. Both routes that serve arbitrary filenames off disk — the public
// file route and the mirror-only raw file route — go through this before
// opening anything.
func containedPath(root, rel string) (string, bool) {
	root = filepath.Clean(root)
	joined := filepath.Clean(filepath.Join(root, rel))

	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", false
	}

	return joined, true
}

func (s *Server) serveFile(w http.ResponseWriter, diskPath, displayName string) {
	f, err := os.Open(diskPath)
	if err != nil {
		s.notFound(w)

		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.notFound(w)

		return
	}

	h := w.Header()
	h.Set(contentType, contentTypeFor(displayName))
	h.Set(contentLength, strconv.FormatInt(info.Size(), 10))
	h.Set(contentDisposition, fmt.Sprintf("attachment; filename=%q", filepath.Base(displayName)))

	if _, err := io.Copy(w, f); err != nil {
		s.logger.Error("error streaming file", "path", diskPath, "error", err)
	}
}

func contentTypeFor(name string) string {
	if strings.HasSuffix(name, manifestFile) {
		return contentTypeXML
	}

	return contentTypePlain
}

func (s *Server) notFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(http.StatusText(http.StatusNotFound)))
}
