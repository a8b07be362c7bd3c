package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/infra"
	"github.com/eliteGoblin/rootmm/internal/modules"
	"github.com/eliteGoblin/rootmm/internal/usecase"
)

// Options configures a Server.
type Options struct {
	Service    domain.ServiceManager
	ModulesDir string
	Jobs       *usecase.JobTable
	Logger     *zap.Logger

	// OnActivity is called for every request. The daemon uses it for idle tracking.
	OnActivity func()
}

// Server serves one ServiceManager over HTTP.
type Server struct {
	svc        domain.ServiceManager
	modulesDir string
	jobs       *usecase.JobTable
	logger     *zap.Logger
	onActivity func()
	router     *mux.Router
	upgrader   websocket.Upgrader
}

// NewServer builds the router for opts.Service.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Jobs == nil {
		opts.Jobs = usecase.NewJobTable(usecase.DefaultJobRetention, opts.Logger)
	}
	if opts.ModulesDir == "" {
		opts.ModulesDir = modules.DefaultModulesDir
	}
	s := &Server{
		svc:        opts.Service,
		modulesDir: opts.ModulesDir,
		jobs:       opts.Jobs,
		logger:     opts.Logger,
		onActivity: opts.OnActivity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.middleware)
	api := r.PathPrefix(APIPrefix).Subrouter()

	api.HandleFunc("/service", s.handleService).Methods(http.MethodGet)
	api.HandleFunc("/manager", s.handleManager).Methods(http.MethodGet)
	api.HandleFunc("/modules", s.handleModules).Methods(http.MethodGet)
	api.HandleFunc("/modules/events", s.handleModuleEvents).Methods(http.MethodGet)
	api.HandleFunc("/modules/{id}", s.handleModule).Methods(http.MethodGet)
	api.HandleFunc("/modules/{id}/{op:enable|disable|remove}", s.handleMutation).Methods(http.MethodPost)
	api.HandleFunc("/modules/{id}/action", s.handleAction).Methods(http.MethodPost)
	api.HandleFunc("/install", s.handleInstall).Methods(http.MethodPost)

	api.HandleFunc("/jobs/{id}/stream", s.handleJobStream).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleJobCancel).Methods(http.MethodDelete)

	api.HandleFunc("/fs/exists", s.handleExists).Methods(http.MethodGet)
	api.HandleFunc("/fs/text", s.handleReadText).Methods(http.MethodGet)
	api.HandleFunc("/fs/bytes", s.handleReadBytes).Methods(http.MethodGet)
	api.HandleFunc("/fs/list", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/fs/size", s.handleSize).Methods(http.MethodGet)
	api.HandleFunc("/fs/mtime", s.handleModTime).Methods(http.MethodGet)
	api.HandleFunc("/fs/write", s.handleWrite).Methods(http.MethodPost)
	api.HandleFunc("/fs/touch", s.handleTouch).Methods(http.MethodPost)
	api.HandleFunc("/fs/delete", s.handleDelete).Methods(http.MethodPost)

	api.HandleFunc("/ksu/exec", s.handleExec).Methods(http.MethodPost)
	api.HandleFunc("/ksu/spawn", s.handleSpawn).Methods(http.MethodPost)

	api.HandleFunc("/destroy", s.handleDestroy).Methods(http.MethodPost)
	s.router = r
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.onActivity != nil {
			s.onActivity()
		}
		s.logger.Debug("ipc request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Jobs returns the table of jobs started through this server.
func (s *Server) Jobs() *usecase.JobTable {
	return s.jobs
}

// Listen opens the unix socket at path. A stale socket file is removed;
// a socket with a live listener is an error.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
			conn.Close()
			return nil, fmt.Errorf("socket %s already in use", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Serve handles connections on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("ipc server listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, body := errorResponse(err)
	if code >= 500 {
		s.logger.Warn("ipc request failed", zap.Error(err))
	}
	writeJSON(w, code, body)
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: kindInvalid})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	resp := ServiceResponse{ServiceInfo: domain.ServiceInfo{
		UID:     s.svc.UID(),
		PID:     s.svc.PID(),
		Context: s.svc.SELinuxContext(),
	}}
	if p, err := s.svc.CurrentPlatform(); err != nil {
		_, body := errorResponse(err)
		resp.Failure = &body
	} else {
		resp.Platform = p.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) moduleManager(w http.ResponseWriter) (domain.ModuleManager, bool) {
	mm, err := s.svc.ModuleManager()
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return mm, true
}

// ManagerInfoOf summarizes mm.
func ManagerInfoOf(mm domain.ModuleManager) domain.ManagerInfo {
	return domain.ManagerInfo{
		Name:          mm.ManagerName(),
		Version:       mm.Version(),
		VersionCode:   mm.VersionCode(),
		Compatibility: mm.Compatibility(),
		SafeMode:      mm.IsSafeMode(),
		LkmMode:       mm.IsLkmMode(),
	}
}

func (s *Server) handleManager(w http.ResponseWriter, r *http.Request) {
	mm, ok := s.moduleManager(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ManagerInfoOf(mm))
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	mm, ok := s.moduleManager(w)
	if !ok {
		return
	}
	mods, err := mm.Modules()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mods)
}

func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	mm, ok := s.moduleManager(w)
	if !ok {
		return
	}
	mod, err := mm.Module(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mod)
}

// handleMutation replies once the operation's callback fired.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	mm, ok := s.moduleManager(w)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	id := vars["id"]

	var op usecase.Op
	switch vars["op"] {
	case "enable":
		op = mm.Enable
	case "disable":
		op = mm.Disable
	default:
		op = mm.Remove
	}

	result := make(chan OpResponse, 1)
	op(id, domain.OpsCallbackFuncs{
		Success: func(id string) { result <- OpResponse{ID: id, Success: true} },
		Failure: func(id, msg string) { result <- OpResponse{ID: id, Message: msg} },
	})

	select {
	case resp := <-result:
		writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
		s.logger.Info("client went away before operation finished", zap.String("module", id))
	}
}

func (s *Server) startJob(w http.ResponseWriter, start func(cb domain.ShellCallback) (domain.Job, error)) {
	id, err := s.jobs.Start(start)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, JobResponse{JobID: id})
}

// Jobs outlive the request that started them; they end on exit or DELETE.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	mm, ok := s.moduleManager(w)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	s.startJob(w, func(cb domain.ShellCallback) (domain.Job, error) {
		return mm.Action(context.Background(), id, cb)
	})
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	mm, ok := s.moduleManager(w)
	if !ok {
		return
	}
	s.startJob(w, func(cb domain.ShellCallback) (domain.Job, error) {
		return mm.Install(context.Background(), req.Path, cb)
	})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	stream, err := s.jobs.Stream(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	ServeJobStream(w, r, &s.upgrader, stream, s.logger)
}

// ServeJobStream upgrades the request and sends every frame of stream as JSON.
// The connection is closed after the exit frame or when the peer goes away.
func ServeJobStream(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, stream *usecase.JobStream, logger *zap.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := watchPeer(r.Context(), conn)
	defer cancel()

	from := 0
	for {
		frames, done, err := stream.Next(ctx, from)
		if err != nil {
			return
		}
		from += len(frames)
		for _, f := range frames {
			if err := conn.WriteJSON(f); err != nil {
				logger.Debug("job stream write failed", zap.Error(err))
				return
			}
		}
		if done {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// watchPeer returns a context canceled when the peer closes the connection.
func watchPeer(parent context.Context, conn *websocket.Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()
	return ctx, cancel
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleModuleEvents(w http.ResponseWriter, r *http.Request) {
	mm, ok := s.moduleManager(w)
	if !ok {
		return
	}
	watcher, err := infra.NewModulesWatcher(s.modulesDir, s.logger)
	if err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = watcher.Close()
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := watchPeer(r.Context(), conn)
	defer cancel()

	var mu sync.Mutex
	_ = watcher.Run(ctx, func(ev infra.ModuleEvent) {
		out := ModuleEvent{ModuleEvent: ev}
		if mod, err := mm.Module(ev.ID); err == nil {
			out.State = mod.State
		}
		mu.Lock()
		defer mu.Unlock()
		if err := conn.WriteJSON(out); err != nil {
			cancel()
		}
	})
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ExistsResponse{Exists: s.svc.FileManager().Exists(r.URL.Query().Get("path"))})
}

func (s *Server) handleReadText(w http.ResponseWriter, r *http.Request) {
	text, err := s.svc.FileManager().ReadText(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TextResponse{Content: text})
}

func (s *Server) handleReadBytes(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.FileManager().ReadBytes(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recursive, _ := strconv.ParseBool(q.Get("recursive"))
	entries, err := s.svc.FileManager().List(q.Get("path"), recursive)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Entries: entries})
}

func (s *Server) handleSize(w http.ResponseWriter, r *http.Request) {
	size, err := s.svc.FileManager().Size(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SizeResponse{Size: size})
}

func (s *Server) handleModTime(w http.ResponseWriter, r *http.Request) {
	mtime, err := s.svc.FileManager().ModTime(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ModTimeResponse{ModTime: mtime})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if err := s.svc.FileManager().WriteText(req.Path, req.Content); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	s.pathOp(w, r, s.svc.FileManager().Touch)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.pathOp(w, r, s.svc.FileManager().Delete)
}

func (s *Server) pathOp(w http.ResponseWriter, r *http.Request, op func(string) error) {
	var req PathRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if err := op(req.Path); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	res, err := s.svc.KsuService().Exec(req.Command, req.Options)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	s.startJob(w, func(cb domain.ShellCallback) (domain.Job, error) {
		return s.svc.KsuService().Spawn(context.Background(), req.Command, req.Args, req.Options, cb)
	})
}

// handleDestroy replies before tearing the service down.
func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("destroy requested over ipc")
	s.jobs.CloseAll()
	w.WriteHeader(http.StatusAccepted)
	_ = http.NewResponseController(w).Flush()
	go s.svc.Destroy()
}
