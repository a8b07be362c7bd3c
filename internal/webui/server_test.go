package webui

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/usecase"
)

func newTestServer(t *testing.T, f *fixture, opts ServerOptions) (*httptest.Server, *Session) {
	t.Helper()
	s := f.session(t, "foo")
	opts.Session = s
	opts.Logger = zap.NewNop()
	srv := httptest.NewServer(NewServer(opts).Handler())
	t.Cleanup(srv.Close)
	return srv, s
}

// post sends body with the session token header when token is set.
func post(t *testing.T, url, origin, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if token != "" {
		req.Header.Set(SessionHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

// get fetches url carrying the session cookie.
func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestServer_Assets(t *testing.T) {
	f := newFixture(t, "foo")
	f.writeWebFile(t, "js/app.js", []byte("console.log(1)"))
	srv, s := newTestServer(t, f, ServerOptions{})
	token := s.ID()

	for _, p := range []string{"/", "/index.html"} {
		resp := get(t, srv.URL+p, token)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
		assert.Contains(t, string(body), `<head><script src="/mmrl/bridge.js"></script><title>`)
	}

	resp := get(t, srv.URL+"/js/app.js", token)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "console.log(1)", string(body))

	resp = get(t, srv.URL+"/missing.css", token)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, srv.URL+"/mmrl/bridge.js", token)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "/mmrl/bridges")
}

func TestResolveAsset(t *testing.T) {
	root := "/data/adb/modules/foo/webroot"
	tests := []struct {
		path string
		want string
		err  error
	}{
		{path: "/", want: root + "/index.html"},
		{path: "", want: root + "/index.html"},
		{path: "/css/", want: root + "/css/index.html"},
		{path: "/a/b.js", want: root + "/a/b.js"},
		{path: "//a//b.js", want: root + "/a/b.js"},
		{path: "/../module.prop", err: ErrPathOutsideRoot},
		{path: "/a/../../x", err: ErrPathOutsideRoot},
		{path: "..", err: ErrPathOutsideRoot},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ResolveAsset(root, tt.path)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServer_BridgeCalls(t *testing.T) {
	f := newFixture(t, "foo")
	srv, s := newTestServer(t, f, ServerOptions{})
	token := s.ID()

	resp := get(t, srv.URL+"/mmrl/bridges", token)
	var list []BridgeInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 3)
	assert.Equal(t, "$foo", list[0].Name)
	assert.Equal(t, "ksu", list[1].Name)
	assert.Equal(t, "mmrl", list[2].Name)

	resp, body := post(t, srv.URL+"/mmrl/bridge/$foo/getId", DefaultDomain, token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "foo", body["result"])

	resp, _ = post(t, srv.URL+"/mmrl/bridge/nope/getId", DefaultDomain, token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/mmrl/bridge/ksu/exec", DefaultDomain, token, `{"command":"id"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = post(t, srv.URL+"/mmrl/bridge/mmrl/getVersion", DefaultDomain, token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", body["result"])

	resp, body = post(t, srv.URL+"/mmrl/bridge/mmrl/getVersion", "https://evil.example", token, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "origin not allowed", body["error"])
}

func TestServer_PermissionsAndJobs(t *testing.T) {
	f := newFixture(t, "foo")
	srv, s := newTestServer(t, f, ServerOptions{})
	token := s.ID()

	resp := get(t, srv.URL+"/mmrl/permissions/advanced_root", token)
	var perm permissionBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&perm))
	resp.Body.Close()
	assert.Equal(t, GateNotRequested, perm.State)

	resp, body := post(t, srv.URL+"/mmrl/permissions/advanced_root", DefaultDomain, token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(GateGranted), body["state"])
	assert.Equal(t, RootVariantAdvanced, call(t, s, "ksu", "variant", nil))

	resp, _ = post(t, srv.URL+"/mmrl/permissions/camera", DefaultDomain, token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = post(t, srv.URL+"/mmrl/bridge/ksu/spawn", DefaultDomain, token, `{"command":"echo","args":["hi"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobID := body["result"].(map[string]any)["job_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/mmrl/jobs/" + jobID
	_, wsResp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{SessionHeader: {token}})
	require.Error(t, err, "upgrade without an Origin")
	if wsResp != nil {
		assert.Equal(t, http.StatusForbidden, wsResp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
		SessionHeader: {token},
		"Origin":      {DefaultDomain},
	})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var frames []usecase.JobFrame
	for {
		var f usecase.JobFrame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		frames = append(frames, f)
	}
	require.Len(t, frames, 3)
	assert.Equal(t, "echo", frames[0].Line)
	assert.Equal(t, "hi", frames[1].Line)
	assert.Equal(t, usecase.FrameExit, frames[2].Type)

	resp = get(t, srv.URL+"/mmrl/jobs/unknown", token)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_RequiresSessionToken(t *testing.T) {
	f := newFixture(t, "foo")
	require.NoError(t, f.store.Grant("foo", domain.PermissionAdvancedRoot))
	srv, s := newTestServer(t, f, ServerOptions{})
	exec := srv.URL + "/mmrl/bridge/ksu/exec"

	tests := []struct {
		name   string
		url    string
		origin string
		token  string
		status int
		err    string
	}{
		{name: "no token", url: exec, origin: DefaultDomain, status: http.StatusForbidden, err: "session token required"},
		{name: "wrong token", url: exec, origin: DefaultDomain, token: "00000000-0000-4000-8000-000000000000", status: http.StatusForbidden, err: "session token required"},
		{name: "no origin", url: exec, token: s.ID(), status: http.StatusForbidden, err: "origin not allowed"},
		{name: "grant without token", url: srv.URL + "/mmrl/permissions/filesystem", origin: DefaultDomain, status: http.StatusForbidden, err: "session token required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, tt.url, tt.origin, tt.token, `{"command":"id"}`)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.err, body["error"])
		})
	}
	assert.Equal(t, 0, f.svc.ksu.execCount(), "rejected calls must not reach the shell")

	resp, err := http.Get(srv.URL + "/index.html")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := post(t, exec, DefaultDomain, s.ID(), `{"command":"id"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, body)
}

func TestServer_LaunchURLSetsCookie(t *testing.T) {
	f := newFixture(t, "foo")
	srv, s := newTestServer(t, f, ServerOptions{})

	launch := NewServer(ServerOptions{Session: s}).LaunchURL(srv.URL)
	assert.Equal(t, srv.URL+"/index.html?"+SessionQuery+"="+s.ID(), launch)

	resp, err := http.Get(launch)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, s.ID(), cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	resp = get(t, srv.URL+"/mmrl/bridges", cookie.Value)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/index.html?" + SessionQuery + "=guess")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Cookies())
}

func TestServer_RevokeTakesEffectOnNextCall(t *testing.T) {
	f := newFixture(t, "foo")
	require.NoError(t, f.store.Grant("foo", domain.PermissionAdvancedRoot))
	srv, s := newTestServer(t, f, ServerOptions{})
	token := s.ID()

	resp, body := post(t, srv.URL+"/mmrl/bridge/ksu/exec", DefaultDomain, token, `{"command":"id"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	require.NoError(t, f.store.Revoke("foo", domain.PermissionAdvancedRoot))

	resp, _ = post(t, srv.URL+"/mmrl/bridge/ksu/exec", DefaultDomain, token, `{"command":"id"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, body = post(t, srv.URL+"/mmrl/bridge/ksu/variant", DefaultDomain, token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, RootVariantBase, body["result"])
}

func TestIsDomainSafe(t *testing.T) {
	tests := []struct {
		url    string
		dev    bool
		devURL string
		want   bool
	}{
		{url: "https://mui.kernelsu.org/index.html", want: true},
		{url: "https://mui.kernelsu.org", want: true},
		{url: "http://mui.kernelsu.org", want: false},
		{url: "https://evil.example", want: false},
		{url: "not a url", want: false},
		{url: "http://192.168.1.20:5173", dev: false, devURL: "http://192.168.1.20:5173", want: false},
		{url: "http://192.168.1.20:5173/x", dev: true, devURL: "http://192.168.1.20:5173", want: true},
		{url: "http://localhost:3000", dev: true, devURL: "http://localhost:3000", want: true},
		{url: "http://8.8.8.8:80", dev: true, devURL: "http://8.8.8.8:80", want: false},
		{url: "http://10.0.0.2:80", dev: true, devURL: "http://10.0.0.3:80", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDomainSafe(tt.url, DefaultDomain, tt.dev, tt.devURL))
		})
	}
}

func TestServer_EntryURL(t *testing.T) {
	f := newFixture(t, "foo")
	s := f.session(t, "foo")

	plain := NewServer(ServerOptions{Session: s})
	assert.Equal(t, "http://127.0.0.1:8080/index.html", plain.EntryURL("http://127.0.0.1:8080/"))

	dev := NewServer(ServerOptions{Session: s, DeveloperMode: true, DevURL: "http://localhost:5173"})
	assert.Equal(t, "http://localhost:5173", dev.EntryURL("http://127.0.0.1:8080"))
}

func TestInjectBridgeScript(t *testing.T) {
	assert.Equal(t, `<HEAD>`+bridgeScriptTag+`</HEAD>`, string(InjectBridgeScript([]byte(`<HEAD></HEAD>`))))
	assert.Equal(t, bridgeScriptTag+`<p>x</p>`, string(InjectBridgeScript([]byte(`<p>x</p>`))))
	once := InjectBridgeScript([]byte(`<head></head>`))
	assert.Equal(t, once, InjectBridgeScript(once))
}

var _ domain.ServiceManager = (*fakeService)(nil)
