package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/benchkit/meister/internal/toolgroup"
)

func toolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage tool group registrations",
	}
	cmd.AddCommand(toolsRegisterCmd())
	cmd.AddCommand(toolsListCmd())
	cmd.AddCommand(toolsClearCmd())
	return cmd
}

func toolsRegisterCmd() *cobra.Command {
	var name string
	var group string
	var remotes string
	var label string

	cmd := &cobra.Command{
		Use:   "register [-- <tool options>]",
		Short: "Register a tool with a group, optionally on remote hosts",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(2)
			}

			// Prompt for anything the flags left out.
			if name == "" {
				form := huh.NewForm(huh.NewGroup(
					huh.NewInput().Title("Tool name").Value(&name),
					huh.NewInput().Title("Tool group").Value(&group),
					huh.NewInput().Title("Hosts (comma separated, empty for this host)").Value(&remotes),
				))
				if err := form.Run(); err != nil {
					slog.Error("registration cancelled", "error", err)
					os.Exit(1)
				}
			}
			if name == "" {
				slog.Error("a tool name is required")
				os.Exit(2)
			}
			if group == "" {
				group = "default"
			}
			hosts := []string{fullHostname()}
			if remotes != "" {
				hosts = strings.Split(remotes, ",")
			}
			opts := strings.Join(args, " ")

			for _, host := range hosts {
				host = strings.TrimSpace(host)
				if host == "" {
					continue
				}
				if err := toolgroup.Register(cfg.RunRoot, group, host, name, opts); err != nil {
					slog.Error("failed to register tool", "tool", name, "host", host, "error", err)
					os.Exit(1)
				}
				if label != "" {
					if err := toolgroup.SetLabel(cfg.RunRoot, group, host, label); err != nil {
						slog.Error("failed to record host label", "host", host, "error", err)
						os.Exit(1)
					}
				}
				fmt.Printf("%q tool is now registered for host %q in group %q\n", name, host, group)
			}
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "tool name (prompted when omitted)")
	cmd.Flags().StringVar(&group, "group", "default", "tool group to register into")
	cmd.Flags().StringVar(&remotes, "remotes", "", "comma-separated hosts (default: this host)")
	cmd.Flags().StringVar(&label, "label", "", "label recorded for the hosts")
	return cmd
}

func toolsListCmd() *cobra.Command {
	var groupName string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tool groups, hosts, and tools",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(2)
			}
			groups := []string{groupName}
			if groupName == "" {
				groups, err = toolgroup.Groups(cfg.RunRoot)
				if err != nil {
					slog.Error("failed to list tool groups", "error", err)
					os.Exit(1)
				}
			}
			sort.Strings(groups)

			type row struct{ group, host, label, tools string }
			rows := []row{{"GROUP", "HOST", "LABEL", "TOOLS"}}
			for _, g := range groups {
				loaded, err := toolgroup.Load(cfg.RunRoot, g)
				if err != nil {
					slog.Error("failed to load tool group", "group", g, "error", err)
					os.Exit(1)
				}
				for _, host := range loaded.Hostnames() {
					tools := loaded.Tools(host)
					names := make([]string, 0, len(tools))
					for name, opts := range tools {
						if opts != "" {
							name += " [" + opts + "]"
						}
						names = append(names, name)
					}
					sort.Strings(names)
					rows = append(rows, row{g, host, loaded.Label(host), strings.Join(names, ", ")})
				}
			}

			widths := [3]int{}
			for _, r := range rows {
				for i, col := range []string{r.group, r.host, r.label} {
					if w := runewidth.StringWidth(col); w > widths[i] {
						widths[i] = w
					}
				}
			}
			for _, r := range rows {
				fmt.Printf("%s  %s  %s  %s\n",
					runewidth.FillRight(r.group, widths[0]),
					runewidth.FillRight(r.host, widths[1]),
					runewidth.FillRight(r.label, widths[2]),
					r.tools)
			}
		},
	}
	cmd.Flags().StringVar(&groupName, "group", "", "limit to one tool group")
	return cmd
}

func toolsClearCmd() *cobra.Command {
	var name string
	var group string
	var remotes string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove a tool registration",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(2)
			}
			if name == "" {
				slog.Error("a tool name is required (--name)")
				os.Exit(2)
			}
			hosts := []string{fullHostname()}
			if remotes != "" {
				hosts = strings.Split(remotes, ",")
			}
			for _, host := range hosts {
				host = strings.TrimSpace(host)
				if host == "" {
					continue
				}
				if err := toolgroup.Unregister(cfg.RunRoot, group, host, name); err != nil {
					slog.Error("failed to clear tool", "tool", name, "host", host, "error", err)
					os.Exit(1)
				}
				fmt.Printf("%q tool is no longer registered for host %q in group %q\n", name, host, group)
			}
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "tool name")
	cmd.Flags().StringVar(&group, "group", "default", "tool group to clear from")
	cmd.Flags().StringVar(&remotes, "remotes", "", "comma-separated hosts (default: this host)")
	return cmd
}
