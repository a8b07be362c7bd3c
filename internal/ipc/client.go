package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/usecase"
)

// socketHost is a placeholder host; every connection goes to the unix socket.
const socketHost = "rootmm"

// Client implements domain.ServiceManager against a running service.
type Client struct {
	socket string
	http   *http.Client
	ws     *websocket.Dialer
	logger *zap.Logger

	mu   sync.Mutex
	info *ServiceResponse
}

// NewClient creates a client for the service listening on socket.
// No connection is made until the first call.
func NewClient(socket string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socket)
	}
	return &Client{
		socket: socket,
		http: &http.Client{
			Transport: &http.Transport{DialContext: dial},
		},
		ws: &websocket.Dialer{
			NetDialContext:   dial,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Socket returns the socket path the client talks to.
func (c *Client) Socket() string {
	return c.socket
}

func endpoint(path string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: socketHost, Path: APIPrefix + path}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func modulePath(id string, suffix string) string {
	return "/modules/" + id + suffix
}

// send performs one request. A non-2xx reply is decoded into its error.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint(path, query), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("service unreachable at %s: %w", c.socket, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return nil, fmt.Errorf("service: %s %s: %s", method, path, resp.Status)
		}
		return nil, e.asError()
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid reply to %s %s: %w", method, path, err)
	}
	return nil
}

// Info fetches the service identity and platform outcome.
func (c *Client) Info(ctx context.Context) (*ServiceResponse, error) {
	var resp ServiceResponse
	if err := c.do(ctx, http.MethodGet, "/service", nil, nil, &resp); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.info = &resp
	c.mu.Unlock()
	return &resp, nil
}

// cachedInfo returns the identity, fetched once. Identity never changes for a service.
func (c *Client) cachedInfo() (*ServiceResponse, error) {
	c.mu.Lock()
	info := c.info
	c.mu.Unlock()
	if info != nil {
		return info, nil
	}
	return c.Info(context.Background())
}

// UID returns the service uid, or -1 if unreachable.
func (c *Client) UID() int {
	info, err := c.cachedInfo()
	if err != nil {
		return -1
	}
	return info.UID
}

// PID returns the service pid, or -1 if unreachable.
func (c *Client) PID() int {
	info, err := c.cachedInfo()
	if err != nil {
		return -1
	}
	return info.PID
}

// SELinuxContext returns the service security context.
func (c *Client) SELinuxContext() string {
	info, err := c.cachedInfo()
	if err != nil {
		return ""
	}
	return info.Context
}

// CurrentPlatform returns the service's resolved platform. While no service is
// reachable it returns PlatformEmpty with the connection error.
func (c *Client) CurrentPlatform() (domain.Platform, error) {
	info, err := c.cachedInfo()
	if err != nil {
		return domain.PlatformEmpty, err
	}
	if info.Failure != nil {
		return "", info.Failure.asError()
	}
	return domain.Platform(info.Platform), nil
}

// ModuleManager returns a remote manager. Provider details are fetched once here.
func (c *Client) ModuleManager() (domain.ModuleManager, error) {
	var info domain.ManagerInfo
	if err := c.do(context.Background(), http.MethodGet, "/manager", nil, nil, &info); err != nil {
		return nil, err
	}
	return &remoteModules{c: c, info: info}, nil
}

// KsuService returns the remote root capability.
func (c *Client) KsuService() domain.KsuService {
	return &remoteKsu{c: c}
}

// FileManager returns the remote privileged file manager.
func (c *Client) FileManager() domain.FileManager {
	return &remoteFiles{c: c}
}

// Destroy asks the service to exit. Errors are logged, not returned.
func (c *Client) Destroy() {
	if err := c.do(context.Background(), http.MethodPost, "/destroy", nil, nil, nil); err != nil {
		c.logger.Warn("destroy request failed", zap.Error(err))
	}
}

// WatchModules streams module directory changes to fn until ctx is canceled.
func (c *Client) WatchModules(ctx context.Context, fn func(ModuleEvent)) error {
	conn, err := c.dialWS(ctx, "/modules/events")
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev ModuleEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(ev)
	}
}

func (c *Client) dialWS(ctx context.Context, path string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: socketHost, Path: APIPrefix + path}
	conn, resp, err := c.ws.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			defer resp.Body.Close()
			var e ErrorResponse
			if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
				return nil, e.asError()
			}
		}
		return nil, fmt.Errorf("failed to open stream %s: %w", path, err)
	}
	return conn, nil
}

// attachJob subscribes to job id and forwards its output to cb.
func (c *Client) attachJob(ctx context.Context, id string, cb domain.ShellCallback) (domain.Job, error) {
	if cb == nil {
		cb = domain.ShellCallbackFuncs{}
	}
	conn, err := c.dialWS(ctx, "/jobs/"+id+"/stream")
	if err != nil {
		_ = c.cancelJob(id)
		return nil, err
	}

	job := &remoteJob{id: id, c: c, done: make(chan struct{}), code: -1}
	go job.read(conn, cb)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = job.Close()
			case <-job.done:
			}
		}()
	}
	return job, nil
}

func (c *Client) cancelJob(id string) error {
	err := c.do(context.Background(), http.MethodDelete, "/jobs/"+id, nil, nil, nil)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil
	}
	return err
}

func (c *Client) startJob(ctx context.Context, path string, body any, cb domain.ShellCallback) (domain.Job, error) {
	var resp JobResponse
	if err := c.do(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
		return nil, err
	}
	return c.attachJob(ctx, resp.JobID, cb)
}

// remoteJob is a job running inside the service.
type remoteJob struct {
	id string
	c  *Client

	done chan struct{}
	code int
	err  error
}

func (j *remoteJob) read(conn *websocket.Conn, cb domain.ShellCallback) {
	defer close(j.done)
	defer conn.Close()
	for {
		var f usecase.JobFrame
		if err := conn.ReadJSON(&f); err != nil {
			j.err = fmt.Errorf("job %s stream lost: %w", j.id, err)
			cb.OnExit(j.code)
			return
		}
		if f.Type == usecase.FrameExit {
			j.code = f.Code
		}
		usecase.DeliverFrame(cb, f)
		if f.Type == usecase.FrameExit {
			return
		}
	}
}

func (j *remoteJob) ID() string            { return j.id }
func (j *remoteJob) Done() <-chan struct{} { return j.done }

func (j *remoteJob) Wait() (int, error) {
	<-j.done
	return j.code, j.err
}

// Close cancels the job in the service. A finished job is not an error.
func (j *remoteJob) Close() error {
	select {
	case <-j.done:
		return nil
	default:
	}
	return j.c.cancelJob(j.id)
}

// remoteModules implements domain.ModuleManager over the socket.
type remoteModules struct {
	c    *Client
	info domain.ManagerInfo
}

func (m *remoteModules) ManagerName() string                       { return m.info.Name }
func (m *remoteModules) Version() string                           { return m.info.Version }
func (m *remoteModules) VersionCode() int                          { return m.info.VersionCode }
func (m *remoteModules) Compatibility() domain.ModuleCompatibility { return m.info.Compatibility }
func (m *remoteModules) IsSafeMode() bool                          { return m.info.SafeMode }
func (m *remoteModules) IsLkmMode() bool                           { return m.info.LkmMode }

func (m *remoteModules) Modules() ([]domain.Module, error) {
	var mods []domain.Module
	if err := m.c.do(context.Background(), http.MethodGet, "/modules", nil, nil, &mods); err != nil {
		return nil, err
	}
	return mods, nil
}

func (m *remoteModules) Module(id string) (*domain.Module, error) {
	var mod domain.Module
	if err := m.c.do(context.Background(), http.MethodGet, modulePath(id, ""), nil, nil, &mod); err != nil {
		return nil, err
	}
	return &mod, nil
}

func (m *remoteModules) Enable(id string, cb domain.OpsCallback)  { m.mutate("enable", id, cb) }
func (m *remoteModules) Disable(id string, cb domain.OpsCallback) { m.mutate("disable", id, cb) }
func (m *remoteModules) Remove(id string, cb domain.OpsCallback)  { m.mutate("remove", id, cb) }

// mutate waits for the service-side callback and replays it to cb.
func (m *remoteModules) mutate(op, id string, cb domain.OpsCallback) {
	if cb == nil {
		cb = domain.OpsCallbackFuncs{}
	}
	go func() {
		var resp OpResponse
		if err := m.c.do(context.Background(), http.MethodPost, modulePath(id, "/"+op), nil, nil, &resp); err != nil {
			cb.OnFailure(id, err.Error())
			return
		}
		if resp.Success {
			cb.OnSuccess(id)
			return
		}
		cb.OnFailure(id, resp.Message)
	}()
}

func (m *remoteModules) Action(ctx context.Context, id string, cb domain.ShellCallback) (domain.Job, error) {
	return m.c.startJob(ctx, modulePath(id, "/action"), nil, cb)
}

func (m *remoteModules) Install(ctx context.Context, path string, cb domain.ShellCallback) (domain.Job, error) {
	return m.c.startJob(ctx, "/install", InstallRequest{Path: path}, cb)
}

// remoteKsu implements domain.KsuService over the socket.
type remoteKsu struct {
	c *Client
}

func (k *remoteKsu) Exec(cmd string, opts domain.ExecOptions) (domain.ShellResult, error) {
	var res domain.ShellResult
	err := k.c.do(context.Background(), http.MethodPost, "/ksu/exec", nil, ExecRequest{Command: cmd, Options: opts}, &res)
	return res, err
}

func (k *remoteKsu) Spawn(ctx context.Context, command string, args []string, opts domain.ExecOptions, cb domain.ShellCallback) (domain.Job, error) {
	return k.c.startJob(ctx, "/ksu/spawn", SpawnRequest{Command: command, Args: args, Options: opts}, cb)
}

func (k *remoteKsu) ModuleInfo(id string) (*domain.Module, error) {
	return (&remoteModules{c: k.c}).Module(id)
}

// remoteFiles implements domain.FileManager over the socket.
type remoteFiles struct {
	c *Client
}

func pathQuery(path string) url.Values {
	return url.Values{"path": {path}}
}

func (f *remoteFiles) Exists(path string) bool {
	var resp ExistsResponse
	if err := f.c.do(context.Background(), http.MethodGet, "/fs/exists", pathQuery(path), nil, &resp); err != nil {
		return false
	}
	return resp.Exists
}

func (f *remoteFiles) ReadText(path string) (string, error) {
	var resp TextResponse
	err := f.c.do(context.Background(), http.MethodGet, "/fs/text", pathQuery(path), nil, &resp)
	return resp.Content, err
}

func (f *remoteFiles) ReadBytes(path string) ([]byte, error) {
	resp, err := f.c.send(context.Background(), http.MethodGet, "/fs/bytes", pathQuery(path), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (f *remoteFiles) WriteText(path, content string) error {
	return f.c.do(context.Background(), http.MethodPost, "/fs/write", nil, WriteRequest{Path: path, Content: content}, nil)
}

func (f *remoteFiles) List(path string, recursive bool) ([]string, error) {
	q := pathQuery(path)
	q.Set("recursive", strconv.FormatBool(recursive))
	var resp ListResponse
	if err := f.c.do(context.Background(), http.MethodGet, "/fs/list", q, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Entries == nil {
		resp.Entries = []string{}
	}
	return resp.Entries, nil
}

func (f *remoteFiles) Size(path string) (int64, error) {
	var resp SizeResponse
	err := f.c.do(context.Background(), http.MethodGet, "/fs/size", pathQuery(path), nil, &resp)
	return resp.Size, err
}

func (f *remoteFiles) ModTime(path string) (int64, error) {
	var resp ModTimeResponse
	err := f.c.do(context.Background(), http.MethodGet, "/fs/mtime", pathQuery(path), nil, &resp)
	return resp.ModTime, err
}

func (f *remoteFiles) Touch(path string) error {
	return f.c.do(context.Background(), http.MethodPost, "/fs/touch", nil, PathRequest{Path: path}, nil)
}

func (f *remoteFiles) Delete(path string) error {
	return f.c.do(context.Background(), http.MethodPost, "/fs/delete", nil, PathRequest{Path: path}, nil)
}

var (
	_ domain.ServiceManager = (*Client)(nil)
	_ domain.ModuleManager  = (*remoteModules)(nil)
	_ domain.KsuService     = (*remoteKsu)(nil)
	_ domain.FileManager    = (*remoteFiles)(nil)
	_ domain.Job            = (*remoteJob)(nil)
)
