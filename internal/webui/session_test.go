package webui

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/usecase"
)

func call(t *testing.T, s *Session, bridge, method string, args any) any {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	got, err := s.Call(context.Background(), bridge, method, raw)
	require.NoError(t, err)
	return got
}

func TestSession_BaseRootBridgeWithoutGrant(t *testing.T) {
	f := newFixture(t, "foo")
	s := f.session(t, "foo")

	assert.ElementsMatch(t, []string{"$foo", "ksu", "mmrl"}, bridgeNames(s))
	assert.Equal(t, RootVariantBase, call(t, s, "ksu", "variant", nil))

	_, err := s.Call(context.Background(), "ksu", "exec", json.RawMessage(`{"command":"id"}`))
	assert.ErrorIs(t, err, ErrMethodNotFound)

	mod, ok := call(t, s, "ksu", "moduleInfo", nil).(*domain.Module)
	require.True(t, ok)
	assert.Equal(t, "foo", mod.ID)
}

func TestSession_AdvancedRootBridgeWhenAllowListed(t *testing.T) {
	f := newFixture(t, "foo")
	require.NoError(t, f.store.Grant("foo", domain.PermissionAdvancedRoot))
	f.svc.ksu.outputs["id -u"] = []string{"0"}

	s := f.session(t, "foo")
	assert.Equal(t, RootVariantAdvanced, call(t, s, "ksu", "variant", nil))

	res, ok := call(t, s, "ksu", "exec", map[string]string{"command": "id -u"}).(domain.ShellResult)
	require.True(t, ok)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"0"}, res.Out)

	_, err := s.Call(context.Background(), "ksu", "exec", json.RawMessage(`{}`))
	var argsErr *ArgsError
	assert.ErrorAs(t, err, &argsErr)
}

func TestSession_GrantReattaches(t *testing.T) {
	f := newFixture(t, "foo")
	s := f.session(t, "foo")
	assert.Equal(t, RootVariantBase, call(t, s, "ksu", "variant", nil))
	assert.Equal(t, string(GateNotRequested), call(t, s, "$foo", "getAdvancedKernelSUAPIState", nil))

	assert.Equal(t, string(GateGranted), call(t, s, "$foo", "requestAdvancedKernelSUAPI", nil))
	assert.Equal(t, RootVariantAdvanced, call(t, s, "ksu", "variant", nil))
	assert.Equal(t, 1, f.prompter.count())

	// Grants are re-read on every call, so a revoke takes effect on the next one.
	require.NoError(t, f.store.Revoke("foo", domain.PermissionAdvancedRoot))
	assert.Equal(t, RootVariantBase, call(t, s, "ksu", "variant", nil))
}

func TestSession_RevokeDropsAdvancedRoot(t *testing.T) {
	f := newFixture(t, "foo")
	require.NoError(t, f.store.Grant("foo", domain.PermissionAdvancedRoot))
	f.svc.ksu.outputs["id -u"] = []string{"0"}
	s := f.session(t, "foo")
	call(t, s, "ksu", "exec", map[string]string{"command": "id -u"})

	// Revoked from outside the page, e.g. by the permissions command.
	require.NoError(t, f.store.Revoke("foo", domain.PermissionAdvancedRoot))

	_, err := s.Call(context.Background(), "ksu", "exec", json.RawMessage(`{"command":"id -u"}`))
	assert.ErrorIs(t, err, ErrMethodNotFound)
	_, err = s.Call(context.Background(), "ksu", "spawn", json.RawMessage(`{"command":"id"}`))
	assert.ErrorIs(t, err, ErrMethodNotFound)
	assert.Equal(t, 1, f.svc.ksu.execCount())
	assert.Equal(t, GateNotRequested, s.PermissionState(domain.PermissionAdvancedRoot))

	// A grant made elsewhere is picked up the same way.
	require.NoError(t, f.store.Grant("foo", domain.PermissionAdvancedRoot))
	assert.Equal(t, RootVariantAdvanced, call(t, s, "ksu", "variant", nil))
}

func TestSession_RevokeDropsFileBridge(t *testing.T) {
	f := newFixture(t, "foo")
	f.writeWebFile(t, "config.json", []byte(`{"permissions":["filesystem"]}`))
	require.NoError(t, f.store.Grant("foo", domain.PermissionFileSystem))
	s := f.session(t, "foo")
	require.True(t, s.HasBridge("$FoFile"))

	require.NoError(t, f.store.Revoke("foo", domain.PermissionFileSystem))

	target := filepath.Join(t.TempDir(), "note.txt")
	_, err := s.Call(context.Background(), "$FoFile", "write", json.RawMessage(`{"path":"`+target+`","content":"x"}`))
	assert.ErrorIs(t, err, ErrBridgeNotFound)
	assert.NoFileExists(t, target)
	assert.False(t, s.HasBridge("$FoFile"))
}

func TestSession_DeniedKeepsBaseBridge(t *testing.T) {
	f := newFixture(t, "foo")
	f.prompter.reply = false
	s := f.session(t, "foo")

	assert.Equal(t, string(GateDeniedThisSession), call(t, s, "$foo", "requestAdvancedKernelSUAPI", nil))
	assert.Equal(t, string(GateDeniedThisSession), call(t, s, "$foo", "requestAdvancedKernelSUAPI", nil))
	assert.Equal(t, 1, f.prompter.count())
	assert.Equal(t, RootVariantBase, call(t, s, "ksu", "variant", nil))
}

func TestSession_FileBridge(t *testing.T) {
	f := newFixture(t, "foo")

	// Granted but not declared: no file bridge.
	require.NoError(t, f.store.Grant("foo", domain.PermissionFileSystem))
	s := f.session(t, "foo")
	assert.False(t, s.HasBridge("$FoFile"))
	_, err := s.Call(context.Background(), "$foo", "requestFileSystemAPI", nil)
	assert.Error(t, err)

	f.writeWebFile(t, "config.json", []byte(`{"title":"Foo","permissions":["filesystem"]}`))
	require.NoError(t, s.Attach())
	assert.Equal(t, "Foo", s.Config().Title)
	require.True(t, s.HasBridge("$FoFile"))

	target := filepath.Join(t.TempDir(), "note.txt")
	call(t, s, "$FoFile", "write", map[string]string{"path": target, "content": "hello"})
	assert.Equal(t, "hello", call(t, s, "$FoFile", "read", map[string]string{"path": target}))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")),
		call(t, s, "$FoFile", "readAsBase64", map[string]string{"path": target}))
	assert.Equal(t, true, call(t, s, "$FoFile", "exists", map[string]string{"path": target}))
	assert.Equal(t, int64(5), call(t, s, "$FoFile", "size", map[string]string{"path": target}))

	call(t, s, "$FoFile", "delete", map[string]string{"path": target})
	assert.NoFileExists(t, target)

	_, err = s.Call(context.Background(), "$FoFile", "read", json.RawMessage(`{}`))
	var argsErr *ArgsError
	assert.ErrorAs(t, err, &argsErr)
}

func TestSession_FileBridgeAfterConsent(t *testing.T) {
	f := newFixture(t, "foo")
	f.writeWebFile(t, "config.json", []byte(`{"permissions":["filesystem"]}`))
	s := f.session(t, "foo")
	assert.False(t, s.HasBridge("$FoFile"))

	assert.Equal(t, string(GateGranted), call(t, s, "$foo", "requestFileSystemAPI", nil))
	assert.True(t, s.HasBridge("$FoFile"))
	assert.Equal(t, string(GateGranted), call(t, s, "$foo", "getFileSystemAPIState", nil))
}

func TestSession_VersionBridge(t *testing.T) {
	f := newFixture(t, "foo")
	s := f.session(t, "foo")

	assert.Equal(t, "test", call(t, s, "mmrl", "getVersion", nil))
	assert.Equal(t, "ksunext", call(t, s, "mmrl", "getRootPlatform", nil))
	assert.Equal(t, true, call(t, s, "mmrl", "isProviderAlive", nil))
	assert.Equal(t, "KernelSU Next", call(t, s, "mmrl", "getRootManagerName", nil))
	assert.Equal(t, "1.0.3", call(t, s, "mmrl", "getRootVersionName", nil))
	assert.Equal(t, 12081, call(t, s, "mmrl", "getRootVersionCode", nil))
}

func TestSession_UnsupportedPlatform(t *testing.T) {
	f := newFixture(t, "foo")
	f.svc.platformErr = &domain.UnsupportedPlatformError{Signal: "u:r:untrusted_app:s0"}
	f.svc.platform = ""
	s := f.session(t, "foo")

	assert.Equal(t, false, call(t, s, "mmrl", "isProviderAlive", nil))
	assert.Equal(t, "empty", call(t, s, "mmrl", "getRootPlatform", nil))
	assert.Equal(t, -1, call(t, s, "mmrl", "getRootVersionCode", nil))
}

func TestSession_Spawn(t *testing.T) {
	f := newFixture(t, "foo")
	require.NoError(t, f.store.Grant("foo", domain.PermissionAdvancedRoot))
	s := f.session(t, "foo")

	got := call(t, s, "ksu", "spawn", map[string]any{"command": "echo", "args": []string{"a", "b"}})
	id := got.(map[string]string)["job_id"]
	require.NotEmpty(t, id)

	stream, err := s.Jobs().Stream(id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frames []usecase.JobFrame
	for {
		next, done, err := stream.Next(ctx, len(frames))
		require.NoError(t, err)
		frames = append(frames, next...)
		if done {
			break
		}
	}
	require.Len(t, frames, 4)
	assert.Equal(t, "echo", frames[0].Line)
	assert.Equal(t, usecase.FrameExit, frames[3].Type)
}

func TestSession_ErrorsAndIdentity(t *testing.T) {
	f := newFixture(t, "foo")
	s := f.session(t, "foo")
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "foo", s.ModuleID())
	assert.Equal(t, filepath.Join(f.dir, "foo", "webroot"), s.WebRoot())

	_, err := s.Call(context.Background(), "$nope", "getId", nil)
	assert.ErrorIs(t, err, ErrBridgeNotFound)

	for _, id := range []string{"", "..", "a/b"} {
		_, err := NewSession(SessionOptions{ModuleID: id, Service: f.svc, Gates: f.gates})
		assert.Error(t, err, id)
	}
	_, err = NewSession(SessionOptions{ModuleID: "foo"})
	assert.Error(t, err)
}

func TestSession_BrokenConfigIsIgnored(t *testing.T) {
	f := newFixture(t, "foo")
	f.writeWebFile(t, "config.json", []byte(`{not json`))
	s := f.session(t, "foo")
	assert.Equal(t, ModuleConfig{}, s.Config())
	assert.Contains(t, bridgeNames(s), "ksu")
}

func TestLoadModuleConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadModuleConfig(osFiles{}, dir)
	require.NoError(t, err)
	assert.False(t, cfg.HasFileSystem())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"permissions":["plugins","filesystem"]}`), 0644))
	cfg, err = LoadModuleConfig(osFiles{}, dir)
	require.NoError(t, err)
	assert.True(t, cfg.HasFileSystem())
	assert.True(t, cfg.HasPlugins())
}
