package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the project and target configuration",
	Long:  `Resolve the project configuration and every selected target without executing any backup operations.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	project, err := loadProject()
	if err != nil {
		return err
	}
	targets, err := resolveTargets(project)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Project:")
	fmt.Printf("  MySQL bin dir: %s\n", project.MySQLBinDir)
	fmt.Printf("  Backup root: %s\n", project.BackupRootPath)
	fmt.Printf("  State store: %s\n", project.StatePath)
	fmt.Printf("  Days to keep: %d\n", project.DaysToKeep)
	fmt.Printf("  Backup time: %s\n", project.BackupTime)
	fmt.Printf("  Report time: %s\n", project.ReportTime)
	fmt.Printf("  Mail: %v\n", project.Email != nil && project.Email.Enabled)

	for _, target := range targets {
		fmt.Println()
		fmt.Printf("Target %s:\n", target.Name)
		fmt.Printf("  Database host: %s:%d\n", target.Database.Host, target.Database.Port)
		if len(target.Database.Databases) > 0 {
			fmt.Printf("  Databases: %s\n", strings.Join(target.Database.Databases, ", "))
		} else {
			fmt.Printf("  Databases: (all)\n")
		}
		fmt.Printf("  Enabled: %v\n", target.Backup.Enabled)
		fmt.Printf("  Artifact dir: %s\n", target.Backup.Dir)
		fmt.Printf("  Days to keep: %d\n", target.Backup.DaysToKeep)
		fmt.Printf("  Backup time: %s\n", target.Backup.BackupTime)
		fmt.Printf("  Report time: %s\n", target.Backup.ReportTime)
		fmt.Printf("  Compression: %s\n", target.Backup.Compression)
		fmt.Printf("  SSH tunnel: %v\n", target.Tunnel != nil)
		if target.Tunnel != nil {
			fmt.Printf("    Via: %s@%s:%d\n", target.Tunnel.User, target.Tunnel.Host, target.Tunnel.Port)
		}
		fmt.Printf("  Wake-on-LAN: %v\n", target.WOL != nil)
		fmt.Printf("  Mail: %v\n", target.Email != nil && target.Email.Enabled)
	}
	return nil
}
