//go:build integration

package integration

import (
	"archive/zip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/infra"
	"github.com/eliteGoblin/rootmm/internal/ipc"
	"github.com/eliteGoblin/rootmm/internal/service"
	"github.com/eliteGoblin/rootmm/internal/usecase"
	"github.com/eliteGoblin/rootmm/internal/webui"
)

type fixedSignals string

func (s fixedSignals) Signal() string         { return string(s) }
func (s fixedSignals) SELinuxContext() string { return "u:r:su:s0" }

// fakeApd stands in for the APatch daemon. Installing recreates the module
// directory with the markers a previous removal would have left behind.
const fakeApd = `#!/bin/sh
if [ "$1" = "module" ] && [ "$2" = "install" ]; then
  mkdir -p "$ROOTMM_TEST_MODULES/foo"
  printf 'id=foo\nname=Foo\nversion=2.0\nversionCode=2\n' > "$ROOTMM_TEST_MODULES/foo/module.prop"
  touch "$ROOTMM_TEST_MODULES/foo/disable" "$ROOTMM_TEST_MODULES/foo/remove"
  echo "- Installed foo"
  exit 0
fi
exit 1
`

type rig struct {
	tmpDir     string
	modulesDir string
	client     *ipc.Client
	cancel     context.CancelFunc
	shell      *infra.RootShell
}

func startRig(signal string) *rig {
	tmpDir, err := os.MkdirTemp("", "rootmm-integration-*")
	Expect(err).NotTo(HaveOccurred())

	r := &rig{tmpDir: tmpDir, modulesDir: filepath.Join(tmpDir, "modules")}
	Expect(os.MkdirAll(r.modulesDir, 0755)).To(Succeed())

	binDir := filepath.Join(tmpDir, "bin")
	Expect(os.MkdirAll(binDir, 0755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(binDir, "apd"), []byte(fakeApd), 0755)).To(Succeed())

	r.shell = infra.NewRootShell(infra.ShellConfig{
		Command: []string{"sh"},
		Env: []string{
			"PATH=" + binDir + string(os.PathListSeparator) + os.Getenv("PATH"),
			"ROOTMM_TEST_MODULES=" + r.modulesDir,
		},
	}, infra.NewProcessManager(), zap.NewNop())

	svc := service.New(service.Options{
		Signals:    fixedSignals(signal),
		Shell:      r.shell,
		Files:      infra.NewFileManager(r.shell),
		ModulesDir: r.modulesDir,
		Logger:     zap.NewNop(),
		Exit:       func(int) {},
	})
	srv := ipc.NewServer(ipc.Options{Service: svc, ModulesDir: r.modulesDir, Logger: zap.NewNop()})

	sock := filepath.Join(tmpDir, "service.sock")
	ln, err := ipc.Listen(sock)
	Expect(err).NotTo(HaveOccurred())

	var ctx context.Context
	ctx, r.cancel = context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, ln) }()

	r.client = ipc.NewClient(sock, zap.NewNop())
	return r
}

func (r *rig) stop() {
	r.cancel()
	r.shell.Close()
	os.RemoveAll(r.tmpDir)
}

func (r *rig) writeModule(id string, files ...string) string {
	dir := filepath.Join(r.modulesDir, id)
	Expect(os.MkdirAll(dir, 0755)).To(Succeed())
	prop := "id=" + id + "\nname=" + id + "\nversion=1.0\nversionCode=1\n"
	Expect(os.WriteFile(filepath.Join(dir, domain.PropFile), []byte(prop), 0644)).To(Succeed())
	for _, f := range files {
		p := filepath.Join(dir, f)
		Expect(os.MkdirAll(filepath.Dir(p), 0755)).To(Succeed())
		Expect(os.WriteFile(p, nil, 0644)).To(Succeed())
	}
	return dir
}

func (r *rig) writeFile(rel string, data []byte) {
	p := filepath.Join(r.modulesDir, rel)
	Expect(os.MkdirAll(filepath.Dir(p), 0755)).To(Succeed())
	Expect(os.WriteFile(p, data, 0644)).To(Succeed())
}

func (r *rig) state(mm domain.ModuleManager, id string) domain.State {
	mod, err := mm.Module(id)
	Expect(err).NotTo(HaveOccurred())
	return mod.State
}

// waitOp runs one mutation and returns its failure message, "" on success.
func waitOp(run func(domain.OpsCallback)) string {
	ch := make(chan string, 1)
	run(domain.OpsCallbackFuncs{
		Success: func(string) { ch <- "" },
		Failure: func(_, msg string) { ch <- "failed: " + msg },
	})
	var msg string
	Eventually(ch, 10*time.Second).Should(Receive(&msg))
	return msg
}

func moduleZip(dir, id string) string {
	p := filepath.Join(dir, id+".zip")
	f, err := os.Create(p)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(domain.PropFile)
	Expect(err).NotTo(HaveOccurred())
	_, err = w.Write([]byte("id=" + id + "\nname=" + id + "\nversion=2.0\nversionCode=2\n"))
	Expect(err).NotTo(HaveOccurred())
	Expect(zw.Close()).To(Succeed())
	return p
}

var _ = Describe("Module lifecycle over the service socket", func() {
	var (
		r      *rig
		mm     domain.ModuleManager
		runner *usecase.OpsRunner
	)

	BeforeEach(func() {
		r = startRig("MODE_APATCH")
		var err error
		mm, err = r.client.ModuleManager()
		Expect(err).NotTo(HaveOccurred())
		runner = usecase.NewOpsRunner(mm, zap.NewNop())
	})

	AfterEach(func() {
		r.stop()
	})

	It("reports the detected provider", func() {
		p, err := r.client.CurrentPlatform()
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(Equal(domain.PlatformAPatch))
		Expect(mm.ManagerName()).To(Equal("APatch"))
	})

	Context("when a module is disabled", func() {
		It("moves to REMOVE on change and drops the disable marker", func() {
			dir := r.writeModule("foo", domain.DisableMarker)
			Expect(r.state(mm, "foo")).To(Equal(domain.StateDisable))

			done := make(chan string, 1)
			applied, err := runner.Change("foo", domain.OpsCallbackFuncs{
				Success: func(string) { done <- "" },
				Failure: func(_, msg string) { done <- msg },
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeTrue())
			Eventually(done, 10*time.Second).Should(Receive(BeEmpty()))

			Expect(r.state(mm, "foo")).To(Equal(domain.StateRemove))
			Expect(filepath.Join(dir, domain.DisableMarker)).NotTo(BeAnExistingFile())
			Expect(filepath.Join(dir, domain.RemoveMarker)).To(BeAnExistingFile())
		})
	})

	Context("when a module is enabled", func() {
		It("disables on toggle without leaving a remove marker", func() {
			dir := r.writeModule("foo")
			Expect(r.state(mm, "foo")).To(Equal(domain.StateEnable))

			done := make(chan string, 1)
			applied, err := runner.Toggle("foo", domain.OpsCallbackFuncs{
				Success: func(string) { done <- "" },
				Failure: func(_, msg string) { done <- msg },
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeTrue())
			Eventually(done, 10*time.Second).Should(Receive(BeEmpty()))

			Expect(r.state(mm, "foo")).To(Equal(domain.StateDisable))
			Expect(filepath.Join(dir, domain.RemoveMarker)).NotTo(BeAnExistingFile())
		})
	})

	Context("when a module is marked for removal", func() {
		It("treats toggle as a no-op", func() {
			r.writeModule("foo", domain.RemoveMarker)

			applied, err := runner.Toggle("foo", domain.OpsCallbackFuncs{
				Success: func(string) { Fail("toggle must not run") },
				Failure: func(string, string) { Fail("toggle must not run") },
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeFalse())
			Expect(r.state(mm, "foo")).To(Equal(domain.StateRemove))
		})

		It("restores it with enable", func() {
			r.writeModule("foo", domain.RemoveMarker, domain.DisableMarker)
			Expect(waitOp(func(cb domain.OpsCallback) { mm.Enable("foo", cb) })).To(BeEmpty())
			Expect(r.state(mm, "foo")).To(Equal(domain.StateEnable))
		})
	})

	It("fails mutations on missing modules", func() {
		Expect(waitOp(func(cb domain.OpsCallback) { mm.Disable("ghost", cb) })).To(HavePrefix("failed"))
	})

	It("installs an archive and clears stale markers", func() {
		zipPath := moduleZip(r.tmpDir, "foo")

		var lines []string
		exit := make(chan int, 1)
		job, err := mm.Install(context.Background(), zipPath, domain.ShellCallbackFuncs{
			Stdout: func(line string) { lines = append(lines, line) },
			Exit:   func(code int) { exit <- code },
		})
		Expect(err).NotTo(HaveOccurred())
		Eventually(exit, 15*time.Second).Should(Receive(Equal(0)))
		Eventually(job.Done(), 5*time.Second).Should(BeClosed())

		dir := filepath.Join(r.modulesDir, "foo")
		Expect(filepath.Join(dir, domain.DisableMarker)).NotTo(BeAnExistingFile())
		Expect(filepath.Join(dir, domain.RemoveMarker)).NotTo(BeAnExistingFile())
		Expect(lines).To(ContainElement("- Installed foo"))

		mod, err := mm.Module("foo")
		Expect(err).NotTo(HaveOccurred())
		Expect(mod.State).To(Equal(domain.StateEnable))
		Expect(mod.VersionCode).To(Equal(2))
	})
})

var _ = Describe("Unsupported environment", func() {
	It("reports no module manager", func() {
		r := startRig("u:r:untrusted_app:s0")
		defer r.stop()

		_, err := r.client.CurrentPlatform()
		Expect(err).To(HaveOccurred())
		var unsupported *domain.UnsupportedPlatformError
		Expect(err).To(BeAssignableToTypeOf(unsupported))

		_, err = r.client.ModuleManager()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("WebUI session", func() {
	var (
		r     *rig
		store *infra.SQLPermissionStore
		gates *webui.Gates
	)

	BeforeEach(func() {
		r = startRig("MODE_KSU_NEXT")
		var err error
		store, err = infra.OpenPermissionStore(filepath.Join(r.tmpDir, "data"))
		Expect(err).NotTo(HaveOccurred())
		gates = webui.NewGates(store, webui.DenyAll, zap.NewNop())
		r.writeModule("foo", "webroot/index.html")
	})

	AfterEach(func() {
		store.Close()
		r.stop()
	})

	newSession := func() *webui.Session {
		s, err := webui.NewSession(webui.SessionOptions{
			ModuleID:   "foo",
			ModulesDir: r.modulesDir,
			AppVersion: "integration",
			URL:        webui.DefaultDomain + "/index.html",
			Service:    r.client,
			Gates:      gates,
			Plugins:    webui.NewPluginLoader(r.client.FileManager(), webui.NewPluginRegistry(), zap.NewNop()),
			Logger:     zap.NewNop(),
		})
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	call := func(s *webui.Session, bridge, method string, args any) (any, error) {
		raw, err := json.Marshal(args)
		Expect(err).NotTo(HaveOccurred())
		return s.Call(context.Background(), bridge, method, raw)
	}

	It("exposes the base root bridge until the module is allow-listed", func() {
		s := newSession()
		got, err := call(s, "ksu", "variant", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(webui.RootVariantBase))

		_, err = call(s, "ksu", "exec", map[string]string{"command": "echo hi"})
		Expect(err).To(MatchError(webui.ErrMethodNotFound))

		Expect(store.Grant("foo", domain.PermissionAdvancedRoot)).To(Succeed())
		Expect(s.Attach()).To(Succeed())

		got, err = call(s, "ksu", "variant", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(webui.RootVariantAdvanced))

		got, err = call(s, "ksu", "exec", map[string]string{"command": "echo hi"})
		Expect(err).NotTo(HaveOccurred())
		res, ok := got.(domain.ShellResult)
		Expect(ok).To(BeTrue())
		Expect(res.Success).To(BeTrue())
		Expect(res.Out).To(Equal([]string{"hi"}))
	})

	It("reports the provider through the version bridge", func() {
		s := newSession()
		got, err := call(s, "mmrl", "getRootPlatform", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(string(domain.PlatformKsuNext)))

		got, err = call(s, "mmrl", "isProviderAlive", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeTrue())
	})

	It("skips plugin classes that no archive contains", func() {
		r.writeFile("foo/webroot/config.json", []byte(`{"permissions":["plugins"]}`))
		r.writeFile("foo/webroot/plugins.json", []byte(`["com.example.Missing"]`))

		s := newSession()
		results := s.Plugins()
		Expect(results).To(HaveLen(1))
		Expect(results[0].Attached).To(BeFalse())
		Expect(results[0].Reason).To(Equal("class not found"))
		Expect(s.HasBridge("Missing")).To(BeFalse())
		Expect(s.Bridges()).To(HaveLen(3))
	})
})
