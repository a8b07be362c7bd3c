package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/config"
	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/infra"
	"github.com/eliteGoblin/rootmm/internal/ipc"
	"github.com/eliteGoblin/rootmm/internal/usecase"
)

var modulesCmd = &cobra.Command{
	Use:     "modules",
	Aliases: []string{"m"},
	Short:   "List and manage installed modules",
}

var modulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed modules",
	Long: `Lists installed modules. --query filters by name, author or description;
"id:", "name:" and "author:" prefixes match that field exactly.`,
	Args: cobra.NoArgs,
	RunE: runModulesList,
}

var modulesInfoCmd = &cobra.Command{
	Use:   "info <id>",
	Short: "Show one module",
	Args:  cobra.ExactArgs(1),
	RunE:  runModulesInfo,
}

var modulesWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print module changes as they happen",
	Args:  cobra.NoArgs,
	RunE:  runModulesWatch,
}

var modulesInstallCmd = &cobra.Command{
	Use:   "install <zip>",
	Short: "Install a module archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runModulesInstall,
}

var modulesActionCmd = &cobra.Command{
	Use:   "action <id>",
	Short: "Run a module's action script",
	Args:  cobra.ExactArgs(1),
	RunE:  runModulesAction,
}

var modulesUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Check a module's updateJson and install a newer release",
	Args:  cobra.ExactArgs(1),
	RunE:  runModulesUpdate,
}

var updateCheckOnly bool

var listOpts struct {
	query      string
	sort       string
	descending bool
	pinEnabled bool
	pinAction  bool
	pinWebUI   bool
	stats      bool
}

func init() {
	f := modulesListCmd.Flags()
	f.StringVarP(&listOpts.query, "query", "q", "", "Filter modules")
	f.StringVar(&listOpts.sort, "sort", string(usecase.SortByName), "Sort by name or updated")
	f.BoolVar(&listOpts.descending, "desc", false, "Reverse the sort order")
	f.BoolVar(&listOpts.pinEnabled, "pin-enabled", false, "List enabled modules first")
	f.BoolVar(&listOpts.pinAction, "pin-action", false, "List modules with an action first")
	f.BoolVar(&listOpts.pinWebUI, "pin-webui", false, "List modules with a WebUI first")
	f.BoolVar(&listOpts.stats, "stats", false, "Print a summary after the list")
	f.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	modulesInfoCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	modulesCmd.AddCommand(modulesListCmd)
	modulesCmd.AddCommand(modulesInfoCmd)
	for _, op := range []string{"enable", "disable", "remove", "toggle", "change"} {
		modulesCmd.AddCommand(mutationCmd(op))
	}
	modulesCmd.AddCommand(modulesInstallCmd)
	modulesCmd.AddCommand(modulesActionCmd)
	modulesCmd.AddCommand(modulesWatchCmd)
	modulesUpdateCmd.Flags().BoolVar(&updateCheckOnly, "check", false, "Only report whether an update exists")
	modulesCmd.AddCommand(modulesUpdateCmd)
}

var mutationHelp = map[string]string{
	"enable":  "Enable a module (clears disable and remove markers)",
	"disable": "Disable a module",
	"remove":  "Mark a module for removal on next boot",
	"toggle":  "Enable a disabled module or disable an enabled one",
	"change":  "Mark an enabled or disabled module for removal, or restore a removed one",
}

func mutationCmd(op string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <id>",
		Short: mutationHelp[op],
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(op, args[0])
		},
	}
}

// moduleSession is a connected client plus its module manager.
type moduleSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Config
	client *ipc.Client
	mm     domain.ModuleManager
	logger *zap.Logger
}

func openModules() (*moduleSession, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	ctx, cancel := signalContext()
	logger := cliLogger()
	client, err := connect(ctx, cfg, 0, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	mm, err := client.ModuleManager()
	if err != nil {
		cancel()
		var unsupported *domain.UnsupportedPlatformError
		if errors.As(err, &unsupported) {
			printHelp(unsupported.Help)
		}
		return nil, err
	}
	return &moduleSession{ctx: ctx, cancel: cancel, cfg: cfg, client: client, mm: mm, logger: logger}, nil
}

func runModulesList(cmd *cobra.Command, args []string) error {
	s, err := openModules()
	if err != nil {
		return err
	}
	defer s.cancel()

	sortBy := usecase.SortBy(listOpts.sort)
	if sortBy != usecase.SortByName && sortBy != usecase.SortByUpdated {
		return fmt.Errorf("unknown sort %q (want name or updated)", listOpts.sort)
	}

	mods, err := s.mm.Modules()
	if err != nil {
		return err
	}
	listed := usecase.Catalog(mods, usecase.ListOptions{
		Query:      listOpts.query,
		Sort:       sortBy,
		Descending: listOpts.descending,
		PinEnabled: listOpts.pinEnabled,
		PinAction:  listOpts.pinAction,
		PinWebUI:   listOpts.pinWebUI,
	})

	if jsonOutput {
		return printJSON(listed)
	}
	printModules(listed)
	if listOpts.stats {
		fmt.Println()
		printAnalytics(usecase.Analyze(mods))
	}
	return nil
}

func runModulesInfo(cmd *cobra.Command, args []string) error {
	s, err := openModules()
	if err != nil {
		return err
	}
	defer s.cancel()

	mod, err := s.mm.Module(args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(mod)
	}
	printModule(*mod)
	return nil
}

// opOutcome carries the single callback of a module operation.
type opOutcome struct {
	ok  bool
	msg string
}

func runMutation(op, id string) error {
	s, err := openModules()
	if err != nil {
		return err
	}
	defer s.cancel()

	done := make(chan opOutcome, 1)
	cb := domain.OpsCallbackFuncs{
		Success: func(string) { done <- opOutcome{ok: true} },
		Failure: func(_ string, msg string) { done <- opOutcome{msg: msg} },
	}

	runner := usecase.NewOpsRunner(s.mm, s.logger)
	switch op {
	case "enable":
		runner.Enable(id, cb)
	case "disable":
		runner.Disable(id, cb)
	case "remove":
		runner.Remove(id, cb)
	case "toggle", "change":
		apply := runner.Toggle
		if op == "change" {
			apply = runner.Change
		}
		applied, err := apply(id, cb)
		if err != nil {
			return err
		}
		if !applied {
			fmt.Printf("%s: nothing to %s in the current state\n", id, op)
			return nil
		}
	}

	select {
	case out := <-done:
		if !out.ok {
			if out.msg == "" {
				return fmt.Errorf("%s failed for %s", op, id)
			}
			return fmt.Errorf("%s failed for %s: %s", op, id, out.msg)
		}
	case <-s.ctx.Done():
		return s.ctx.Err()
	}

	mod, err := s.mm.Module(id)
	if err != nil {
		fmt.Println(successStyle.Render(fmt.Sprintf("%s: %s done", id, op)))
		return nil
	}
	fmt.Printf("%s %s\n", successStyle.Render(id+":"), stateLabel(mod.State))
	return nil
}

// printingCallback streams job output to the terminal.
func printingCallback() domain.ShellCallback {
	return domain.ShellCallbackFuncs{
		Stdout: func(line string) { fmt.Println(line) },
		Stderr: func(line string) { fmt.Fprintln(os.Stderr, line) },
	}
}

// waitJob waits for job and turns a non-zero exit into an error.
// Interrupting the command cancels the job.
func waitJob(ctx context.Context, job domain.Job, what string) error {
	select {
	case <-job.Done():
	case <-ctx.Done():
		_ = job.Close()
		return fmt.Errorf("%s canceled", what)
	}
	code, err := job.Wait()
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s exited with code %d", what, code)
	}
	return nil
}

func runModulesInstall(cmd *cobra.Command, args []string) error {
	s, err := openModules()
	if err != nil {
		return err
	}
	defer s.cancel()

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	job, err := s.mm.Install(s.ctx, path, printingCallback())
	if err != nil {
		return err
	}
	if err := waitJob(s.ctx, job, "install"); err != nil {
		return err
	}
	fmt.Println(successStyle.Render("Installed " + filepath.Base(path)))
	return nil
}

func runModulesUpdate(cmd *cobra.Command, args []string) error {
	s, err := openModules()
	if err != nil {
		return err
	}
	defer s.cancel()

	mod, err := s.mm.Module(args[0])
	if err != nil {
		return err
	}
	checker := infra.NewUpdateChecker(nil, s.logger)
	upd, err := checker.Check(s.ctx, *mod)
	if err != nil {
		return err
	}
	if !upd.Newer(*mod) {
		fmt.Println(dimStyle.Render(fmt.Sprintf("%s is up to date (%s)", mod.ID, mod.Version)))
		return nil
	}
	fmt.Printf("%s %s -> %s\n", titleStyle.Render(mod.ID), mod.Version, upd.Version)
	if updateCheckOnly {
		return nil
	}

	path, err := checker.Download(s.ctx, *mod, upd, filepath.Join(s.cfg.DataDir, "downloads"))
	if err != nil {
		return err
	}
	defer os.Remove(path)

	job, err := s.mm.Install(s.ctx, path, printingCallback())
	if err != nil {
		return err
	}
	if err := waitJob(s.ctx, job, "install"); err != nil {
		return err
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("Updated %s to %s", mod.ID, upd.Version)))
	return nil
}

func runModulesAction(cmd *cobra.Command, args []string) error {
	s, err := openModules()
	if err != nil {
		return err
	}
	defer s.cancel()

	job, err := s.mm.Action(s.ctx, args[0], printingCallback())
	if err != nil {
		return err
	}
	return waitJob(s.ctx, job, "action")
}

func runModulesWatch(cmd *cobra.Command, args []string) error {
	s, err := openModules()
	if err != nil {
		return err
	}
	defer s.cancel()

	fmt.Println(dimStyle.Render("Watching modules, press Ctrl-C to stop"))
	err = s.client.WatchModules(s.ctx, func(ev ipc.ModuleEvent) {
		state := dimStyle.Render("gone")
		if ev.State != "" {
			state = stateLabel(ev.State)
		}
		fmt.Printf("%-24s %-8s %s\n", ev.ID, ev.Op, state)
	})
	if err != nil && s.ctx.Err() == nil {
		return err
	}
	return nil
}
