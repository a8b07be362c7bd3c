package webui

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/ipc"
)

//go:embed assets/bridge.js
var bridgeJS []byte

// DefaultDomain is the origin module pages are served under.
const DefaultDomain = "https://mui.kernelsu.org"

const bridgeScriptTag = `<script src="/mmrl/bridge.js"></script>`

// The session token travels as a cookie once the launch URL has been opened.
// Scripts outside the page may send it as a header instead.
const (
	SessionCookie = "mmrl_session"
	SessionHeader = "X-MMRL-Session"
	SessionQuery  = "mmrl_session"
)

// maxCallBody bounds a bridge call request.
const maxCallBody = 8 << 20

// ServerOptions configures a Server.
type ServerOptions struct {
	Session       *Session
	Domain        string
	DevURL        string
	DeveloperMode bool
	Logger        *zap.Logger
}

// Server serves one session: the module's assets and its bridges.
type Server struct {
	session  *Session
	domain   string
	devURL   string
	devMode  bool
	logger   *zap.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	// base is the URL the server was reached at, set by Serve.
	base string
}

// NewServer builds the router for opts.Session.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Domain == "" {
		opts.Domain = DefaultDomain
	}
	s := &Server{
		session: opts.Session,
		domain:  strings.TrimSuffix(opts.Domain, "/"),
		devURL:  opts.DevURL,
		devMode: opts.DeveloperMode,
		logger:  opts.Logger.With(zap.String("module", opts.Session.ModuleID())),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin != "" && s.originAllowed(origin)
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.authenticate)
	m := r.PathPrefix("/mmrl").Subrouter()
	m.Use(s.checkOrigin)

	m.HandleFunc("/bridge.js", s.handleBridgeJS).Methods(http.MethodGet)
	m.HandleFunc("/bridges", s.handleBridges).Methods(http.MethodGet)
	m.HandleFunc("/bridge/{name}/{method}", s.handleCall).Methods(http.MethodPost)
	m.HandleFunc("/permissions/{kind}", s.handlePermission).Methods(http.MethodGet, http.MethodPost)
	m.HandleFunc("/plugins", s.handlePlugins).Methods(http.MethodGet)
	m.HandleFunc("/jobs/{id}", s.handleJobStream).Methods(http.MethodGet)
	m.HandleFunc("/jobs/{id}", s.handleJobCancel).Methods(http.MethodDelete)

	r.PathPrefix("/").HandlerFunc(s.handleAsset).Methods(http.MethodGet, http.MethodHead)
	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// EntryURL is the first page to open for a server reached at base.
func (s *Server) EntryURL(base string) string {
	return EntryURL(base, s.devMode, s.devURL)
}

// EntryURL is the dev URL in developer mode, otherwise index.html under base.
func EntryURL(base string, developerMode bool, devURL string) string {
	if developerMode && devURL != "" {
		return devURL
	}
	return strings.TrimSuffix(base, "/") + "/index.html"
}

// LaunchURL is EntryURL carrying the session token. Opening it once sets the
// session cookie.
func (s *Server) LaunchURL(base string) string {
	entry := s.EntryURL(base)
	u, err := url.Parse(entry)
	if err != nil {
		return entry
	}
	q := u.Query()
	q.Set(SessionQuery, s.session.ID())
	u.RawQuery = q.Encode()
	return u.String()
}

// Serve handles connections on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.base = "http://" + ln.Addr().String()
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("webui listening", zap.String("url", s.EntryURL(s.base)))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// originAllowed accepts the server itself and URLs IsDomainSafe accepts.
func (s *Server) originAllowed(origin string) bool {
	if s.base != "" && origin == s.base {
		return true
	}
	return IsDomainSafe(origin, s.domain, s.devMode, s.devURL)
}

// safeMethod reports whether browsers may omit Origin for r. Everything else
// must name an allowed origin.
func safeMethod(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// authenticate requires the session token on every request. A token in the
// query of a GET is traded for the session cookie.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if safeMethod(r) {
			if token := r.URL.Query().Get(SessionQuery); token != "" && s.tokenValid(token) {
				http.SetCookie(w, &http.Cookie{
					Name:     SessionCookie,
					Value:    token,
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteStrictMode,
				})
				next.ServeHTTP(w, r)
				return
			}
		}
		token := r.Header.Get(SessionHeader)
		if token == "" {
			if c, err := r.Cookie(SessionCookie); err == nil {
				token = c.Value
			}
		}
		if !s.tokenValid(token) {
			s.logger.Warn("rejected request without session token",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path))
			writeJSON(w, http.StatusForbidden, errorBody{Error: "session token required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenValid(token string) bool {
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.session.ID())) == 1
}

func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" && safeMethod(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !s.originAllowed(origin) {
			s.logger.Warn("rejected cross-origin bridge request", zap.String("origin", origin))
			writeJSON(w, http.StatusForbidden, errorBody{Error: "origin not allowed"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IsDomainSafe reports whether a page at rawURL may use bridges: the serving
// domain always, and in developer mode the dev URL when it points at this
// machine or the local network.
func IsDomainSafe(rawURL, domain string, developerMode bool, devURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	if d, err := url.Parse(domain); err == nil && d.Host != "" && u.Scheme == d.Scheme && u.Host == d.Host {
		return true
	}
	if !developerMode || devURL == "" {
		return false
	}
	dev, err := url.Parse(devURL)
	if err != nil || dev.Host != u.Host || dev.Scheme != u.Scheme {
		return false
	}
	return isLocalHost(u.Hostname())
}

func isLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast())
}

type errorBody struct {
	Error string `json:"error"`
}

type callBody struct {
	Result any `json:"result"`
}

type permissionBody struct {
	Permission domain.Permission `json:"permission"`
	State      GateState         `json:"state"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var argsErr *ArgsError
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &argsErr):
		code = http.StatusBadRequest
	case errors.Is(err, ErrBridgeNotFound), errors.Is(err, ErrMethodNotFound),
		errors.Is(err, domain.ErrModuleNotFound), errors.Is(err, domain.ErrJobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrPathOutsideRoot):
		code = http.StatusForbidden
	case errors.Is(err, domain.ErrNotSupported):
		code = http.StatusNotImplemented
	}
	if code >= 500 {
		s.logger.Warn("bridge request failed", zap.Error(err))
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func (s *Server) handleBridgeJS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	_, _ = w.Write(bridgeJS)
}

func (s *Server) handleBridges(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Refresh(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Bridges())
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Plugins())
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	args, err := io.ReadAll(io.LimitReader(r.Body, maxCallBody))
	if err != nil {
		s.writeError(w, &ArgsError{Err: err})
		return
	}
	result, err := s.session.Call(r.Context(), vars["name"], vars["method"], args)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callBody{Result: result})
}

// handlePermission reports the gate state on GET and runs the gate on POST.
func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePermission(mux.Vars(r)["kind"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, permissionBody{Permission: p, State: s.session.PermissionState(p)})
		return
	}
	state, err := s.session.RequestPermission(p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, permissionBody{Permission: p, State: state})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	stream, err := s.session.Jobs().Stream(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	ipc.ServeJobStream(w, r, &s.upgrader, stream, s.logger)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Jobs().Cancel(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolveAsset maps a request path to a file under webroot. Any ".." segment is rejected.
func ResolveAsset(webroot, reqPath string) (string, error) {
	for _, seg := range strings.Split(reqPath, "/") {
		if seg == ".." {
			return "", ErrPathOutsideRoot
		}
	}
	if reqPath == "" || strings.HasSuffix(reqPath, "/") {
		reqPath += "index.html"
	}
	p := path.Join(webroot, path.Clean("/"+reqPath))
	if p != webroot && !strings.HasPrefix(p, webroot+"/") {
		return "", ErrPathOutsideRoot
	}
	return p, nil
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	p, err := ResolveAsset(s.session.WebRoot(), r.URL.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	files := s.session.opts.Service.FileManager()
	if !files.Exists(p) {
		http.NotFound(w, r)
		return
	}
	data, err := files.ReadBytes(p)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctype := mime.TypeByExtension(path.Ext(p))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	if strings.HasPrefix(ctype, "text/html") {
		data = InjectBridgeScript(data)
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

// InjectBridgeScript adds the bridge shim to an HTML document, right after
// <head> when present, otherwise at the start.
func InjectBridgeScript(html []byte) []byte {
	s := string(html)
	if strings.Contains(s, bridgeScriptTag) {
		return html
	}
	lower := strings.ToLower(s)
	if i := strings.Index(lower, "<head>"); i >= 0 {
		at := i + len("<head>")
		return []byte(s[:at] + bridgeScriptTag + s[at:])
	}
	return []byte(bridgeScriptTag + s)
}
