package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/claude-monitor/capacitor/internal/service"
)

const unitName = "capacitord"

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install capacitord as a per-user systemd service",
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the capacitord systemd service",
	RunE:  runUninstall,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installed service's status",
	RunE:  runStatus,
}

func runInstall(cmd *cobra.Command, args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}
	wd, _ := os.Getwd()

	in, err := service.NewInstaller()
	if err != nil {
		return err
	}

	cfg := service.ServiceConfig{
		Name:             unitName,
		Description:      "Observes Claude Code sessions and serves live state over a local socket",
		ExecutablePath:   exe,
		Arguments:        []string{"serve"},
		WorkingDir:       wd,
		RestartOnFailure: true,
	}
	if configPath != "" {
		cfg.Arguments = append(cfg.Arguments, "--config", configPath)
	}

	if err := in.Install(cfg); err != nil {
		return fmt.Errorf("installing service: %w", err)
	}
	color.New(color.FgGreen, color.Bold).Println("capacitord installed and started")
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	in, err := service.NewInstaller()
	if err != nil {
		return err
	}
	if err := in.Uninstall(unitName); err != nil {
		return fmt.Errorf("uninstalling service: %w", err)
	}
	color.New(color.FgGreen, color.Bold).Println("capacitord uninstalled")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	in, err := service.NewInstaller()
	if err != nil {
		return err
	}
	if !in.IsInstalled(unitName) {
		color.New(color.FgYellow).Println("capacitord is not installed")
		return nil
	}
	out, err := in.Status(unitName)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
