package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/usecase"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"})
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}).Width(14)
	dimStyle     = lipgloss.NewStyle().Faint(true)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))

	stateStyles = map[domain.State]lipgloss.Style{
		domain.StateEnable:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		domain.StateDisable: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		domain.StateRemove:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		domain.StateUpdate:  lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
	}
)

type statusReport struct {
	Service domain.ServiceInfo  `json:"service"`
	Socket  string              `json:"socket"`
	Error   string              `json:"error,omitempty"`
	Manager *domain.ManagerInfo `json:"manager,omitempty"`
	Modules *usecase.Analytics  `json:"modules,omitempty"`
}

func field(label string, value any) {
	fmt.Printf("%s %v\n", labelStyle.Render(label), value)
}

func printStatus(s statusReport) {
	fmt.Println(titleStyle.Render("=== rootmm Service ==="))
	field("PID", s.Service.PID)
	field("UID", s.Service.UID)
	field("Context", s.Service.Context)
	field("Platform", s.Service.Platform)
	field("Socket", s.Socket)
	if s.Error != "" {
		field("Error", errorStyle.Render(s.Error))
	}

	if m := s.Manager; m != nil {
		fmt.Println()
		fmt.Println(titleStyle.Render("=== Provider ==="))
		field("Name", m.Name)
		field("Version", fmt.Sprintf("%s (%d)", m.Version, m.VersionCode))
		field("Magic mount", m.Compatibility.HasMagicMount)
		field("Safe mode", m.SafeMode)
		field("LKM", m.LkmMode)
	}

	if a := s.Modules; a != nil {
		fmt.Println()
		fmt.Println(titleStyle.Render("=== Modules ==="))
		printAnalytics(*a)
	}
}

func printAnalytics(a usecase.Analytics) {
	field("Total", a.Total)
	field("Enabled", a.Enabled)
	field("Disabled", a.Disabled)
	field("Removed", a.Removed)
	field("Updated", a.Updated)
	field("WebUI", a.WebUI)
	field("Action", a.Action)
	field("Size", humanSize(a.TotalSize))
}

func stateLabel(s domain.State) string {
	if style, ok := stateStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

func printModules(mods []domain.Module) {
	if len(mods) == 0 {
		fmt.Println(dimStyle.Render("No modules installed"))
		return
	}
	idWidth := len("ID")
	for _, m := range mods {
		if len(m.ID) > idWidth {
			idWidth = len(m.ID)
		}
	}
	idCol := lipgloss.NewStyle().Width(idWidth + 2)
	stateCol := lipgloss.NewStyle().Width(10)

	fmt.Println(titleStyle.Render(idCol.Render("ID") + stateCol.Render("STATE") + "NAME"))
	for _, m := range mods {
		var flags []string
		if m.Features.WebUI {
			flags = append(flags, "webui")
		}
		if m.Features.Action {
			flags = append(flags, "action")
		}
		line := idCol.Render(m.ID) + stateCol.Render(stateLabel(m.State)) + m.Name + " " + dimStyle.Render(m.Version)
		if len(flags) > 0 {
			line += " " + dimStyle.Render("["+strings.Join(flags, ",")+"]")
		}
		fmt.Println(line)
	}
}

func printModule(m domain.Module) {
	fmt.Println(titleStyle.Render(m.Name))
	field("ID", m.ID)
	field("State", stateLabel(m.State))
	field("Version", fmt.Sprintf("%s (%d)", m.Version, m.VersionCode))
	field("Author", m.Author)
	field("Description", m.Description)
	field("Size", humanSize(m.Size))
	if !m.LastUpdated.IsZero() {
		field("Updated", m.LastUpdated.Format(time.RFC3339))
	}
	field("WebUI", m.Features.WebUI)
	field("Action", m.Features.Action)
	if m.UpdateJSON != "" {
		field("Update JSON", m.UpdateJSON)
	}
}

// printHelp renders markdown help, falling back to the raw text.
func printHelp(markdown string) {
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
	if err == nil {
		if out, err := renderer.Render(markdown); err == nil {
			fmt.Print(out)
			return
		}
	}
	fmt.Println(markdown)
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
