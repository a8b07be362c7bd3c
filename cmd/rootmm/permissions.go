package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/infra"
	"github.com/eliteGoblin/rootmm/internal/webui"
)

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Manage WebUI permission allow-lists",
	Long: `Each permission (advanced_root, filesystem) is an allow-list of module ids.
A running WebUI picks up changes on its next bridge call.`,
}

var permissionsListCmd = &cobra.Command{
	Use:   "list [permission]",
	Short: "Show allow-listed modules",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPermissionsList,
}

var permissionsGrantCmd = &cobra.Command{
	Use:   "grant <permission> <id>",
	Short: "Allow a module a permission",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changePermission(args[0], args[1], true)
	},
}

var permissionsRevokeCmd = &cobra.Command{
	Use:   "revoke <permission> <id>",
	Short: "Take a permission away from a module",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changePermission(args[0], args[1], false)
	},
}

func init() {
	permissionsCmd.AddCommand(permissionsListCmd)
	permissionsCmd.AddCommand(permissionsGrantCmd)
	permissionsCmd.AddCommand(permissionsRevokeCmd)
}

func openStore() (*infra.SQLPermissionStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return infra.OpenPermissionStore(cfg.DataDir)
}

func runPermissionsList(cmd *cobra.Command, args []string) error {
	kinds := []domain.Permission{domain.PermissionAdvancedRoot, domain.PermissionFileSystem}
	if len(args) == 1 {
		p, err := webui.ParsePermission(args[0])
		if err != nil {
			return err
		}
		kinds = []domain.Permission{p}
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	for _, p := range kinds {
		ids, err := store.List(p)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render(string(p)))
		if len(ids) == 0 {
			fmt.Println(dimStyle.Render("  (none)"))
		}
		for _, id := range ids {
			fmt.Println("  " + id)
		}
	}
	return nil
}

func changePermission(kind, id string, grant bool) error {
	p, err := webui.ParsePermission(kind)
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if grant {
		err = store.Grant(id, p)
	} else {
		err = store.Revoke(id, p)
	}
	if err != nil {
		return err
	}
	verb := "Revoked"
	if grant {
		verb = "Granted"
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("%s %s for %s", verb, p, id)))
	return nil
}
