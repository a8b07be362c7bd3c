package main

import (
	"fmt"
	"net"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/infra"
	"github.com/eliteGoblin/rootmm/internal/usecase"
	"github.com/eliteGoblin/rootmm/internal/webui"
)

var webuiCmd = &cobra.Command{
	Use:   "webui <id>",
	Short: "Serve a module's WebUI with its native bridges",
	Long: `Serves <modules_dir>/<id>/webroot on a local address and exposes the
module bridges to the page. Permission requests from the page are confirmed
on this terminal. The background service stays up while this command runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runWebUI,
}

var webuiListen string

func init() {
	webuiCmd.Flags().StringVar(&webuiListen, "listen", "", "Listen address (default from config)")
}

var permissionTitles = map[domain.Permission]string{
	domain.PermissionAdvancedRoot: "advanced root access (run commands as root)",
	domain.PermissionFileSystem:   "file system access",
}

// terminalPrompter asks for consent on the controlling terminal.
var terminalPrompter = webui.PrompterFunc(func(moduleID string, p domain.Permission) (bool, error) {
	title := permissionTitles[p]
	if title == "" {
		title = string(p)
	}
	return pterm.DefaultInteractiveConfirm.
		WithDefaultText(fmt.Sprintf("Allow module %q %s?", moduleID, title)).
		WithDefaultValue(false).
		Show()
})

func runWebUI(cmd *cobra.Command, args []string) error {
	id := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	client, err := connect(ctx, cfg, os.Getpid(), logger)
	if err != nil {
		return err
	}
	if mm, err := client.ModuleManager(); err == nil {
		mod, err := mm.Module(id)
		if err != nil {
			return err
		}
		if !mod.Features.WebUI {
			return fmt.Errorf("module %s has no WebUI", id)
		}
	}

	store, err := infra.OpenPermissionStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	listen := webuiListen
	if listen == "" {
		listen = cfg.WebUI.Listen
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	entry := webui.EntryURL("http://"+ln.Addr().String(), cfg.WebUI.DeveloperMode, cfg.WebUI.DevURL)

	jobs := usecase.NewJobTable(usecase.DefaultJobRetention, logger)
	defer jobs.CloseAll()

	session, err := webui.NewSession(webui.SessionOptions{
		ModuleID:   id,
		ModulesDir: cfg.ModulesDir,
		AppVersion: Version,
		URL:        entry,
		Service:    client,
		Gates:      webui.NewGates(store, terminalPrompter, logger),
		Plugins:    webui.NewPluginLoader(client.FileManager(), webui.NewPluginRegistry(), logger),
		Jobs:       jobs,
		Logger:     logger,
	})
	if err != nil {
		ln.Close()
		return err
	}
	printPlugins(session.Plugins())

	srv := webui.NewServer(webui.ServerOptions{
		Session:       session,
		Domain:        cfg.WebUI.Domain,
		DevURL:        cfg.WebUI.DevURL,
		DeveloperMode: cfg.WebUI.DeveloperMode,
		Logger:        logger,
	})
	// The launch URL carries the session token and goes to the terminal only.
	pterm.Success.Printfln("Serving %s at %s", id, srv.LaunchURL("http://"+ln.Addr().String()))
	logger.Info("webui session started", zap.String("module", id), zap.String("url", entry))
	return srv.Serve(ctx, ln)
}

func printPlugins(results []webui.PluginResult) {
	for _, r := range results {
		switch {
		case r.Attached:
			pterm.Info.Printfln("plugin %s attached as %s (%s)", r.Class, r.InstanceName, r.Digest[:12])
		case verbose:
			pterm.Warning.Printfln("plugin %s skipped: %s", r.Class, r.Reason)
		}
	}
}
