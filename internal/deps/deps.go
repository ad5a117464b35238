/*
Package deps provides dependency detection and installation functionality
for the external tools the signing pipeline shells out to. It automatically
detects missing tools and offers to install them, the way the teacher's own
internal/deps does for its build toolchain — trimmed here to the four
binaries this domain actually invokes (internal/mage, internal/signer).
*/
package deps

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"
)

// Tool represents a required external tool/dependency.
type Tool struct {
	Name        string   // Display name
	Binary      string   // Binary name to check
	Description string   // What the tool is for
	InstallCmds []string // Installation commands per OS
	Optional    bool     // If true, skip if not installable
}

// CommonTools defines the tools the signing pipeline can shell out to.
var CommonTools = map[string]Tool{
	"mage": {
		Name:        "mage",
		Binary:      "mage",
		Description: "ClickOnce/VSTO application-manifest update utility (C5)",
		InstallCmds: []string{
			"windows:choco install mage",
		},
	},
	"signtool": {
		Name:        "signtool",
		Binary:      "signtool",
		Description: "Windows Authenticode signing tool",
		InstallCmds: []string{
			"windows:choco install windows-sdk-10-version-2004-all",
		},
	},
	"codesign": {
		Name:        "codesign",
		Binary:      "codesign",
		Description: "macOS application/bundle signing tool",
		InstallCmds: []string{
			"darwin:xcode-select --install",
		},
	},
	"gpg": {
		Name:        "GPG",
		Binary:      "gpg",
		Description: "GNU Privacy Guard, for detached-signing checksum manifests",
		InstallCmds: []string{
			"linux:apt:sudo apt-get update && sudo apt-get install -y gnupg",
			"linux:yum:sudo yum install -y gnupg2",
			"darwin:brew install gnupg",
			"windows:choco install gpg4win",
		},
		Optional: true,
	},
}

// AutoInstall controls whether to auto-install missing dependencies.
var AutoInstall = false

// PromptForInstall controls whether to prompt user for installation.
var PromptForInstall = true

// CheckAndInstall checks if a tool is available and offers to install it if missing.
func CheckAndInstall(toolName string) error {
	tool, ok := CommonTools[toolName]
	if !ok {
		return fmt.Errorf("unknown tool: %s", toolName)
	}
	return CheckAndInstallTool(tool)
}

// CheckAndInstallTool checks if a tool is available and offers to install it.
func CheckAndInstallTool(tool Tool) error {
	if IsAvailable(tool.Binary) {
		return nil
	}

	log.Warn("tool not found", "tool", tool.Name, "binary", tool.Binary)

	if tool.Optional && !AutoInstall && !PromptForInstall {
		log.Info("skipping optional tool", "tool", tool.Name)
		return nil
	}

	installCmd := findInstallCommand(tool.InstallCmds)
	if installCmd == "" {
		if tool.Optional {
			log.Warn("no installation method available", "tool", tool.Name, "os", runtime.GOOS)
			return nil
		}
		return fmt.Errorf("no installation method available for %s on %s", tool.Name, runtime.GOOS)
	}

	if !AutoInstall && PromptForInstall {
		fmt.Printf("\n%s (%s) is required but not installed.\n", tool.Name, tool.Description)
		fmt.Printf("   Install command: %s\n", installCmd)
		fmt.Print("   Install now? [Y/n]: ")

		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))

		if response != "" && response != "y" && response != "yes" {
			if tool.Optional {
				log.Info("skipping installation", "tool", tool.Name)
				return nil
			}
			return fmt.Errorf("installation declined for required tool: %s", tool.Name)
		}
	}

	log.Info("installing tool", "tool", tool.Name)
	if err := runInstallCommand(installCmd); err != nil {
		if tool.Optional {
			log.Warn("installation failed", "tool", tool.Name, "error", err)
			return nil
		}
		return fmt.Errorf("failed to install %s: %w", tool.Name, err)
	}

	if !IsAvailable(tool.Binary) {
		updatePath()
		if !IsAvailable(tool.Binary) {
			if tool.Optional {
				log.Warn("tool not available after installation", "tool", tool.Name)
				return nil
			}
			return fmt.Errorf("%s installed but not found in PATH", tool.Name)
		}
	}

	log.Info("tool installed successfully", "tool", tool.Name)
	return nil
}

// IsAvailable checks if a binary is available in PATH.
func IsAvailable(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

// findInstallCommand finds the best installation command for the current OS.
func findInstallCommand(cmds []string) string {
	os := runtime.GOOS

	var pkgManager string
	if os == "linux" {
		switch {
		case IsAvailable("apt-get") || IsAvailable("apt"):
			pkgManager = "apt"
		case IsAvailable("yum"):
			pkgManager = "yum"
		case IsAvailable("dnf"):
			pkgManager = "dnf"
		case IsAvailable("pacman"):
			pkgManager = "pacman"
		}
	}

	var fallback string
	for _, cmd := range cmds {
		parts := strings.SplitN(cmd, ":", 2)
		if len(parts) < 2 {
			continue
		}

		cmdOS := parts[0]
		if cmdOS != os {
			continue
		}

		remaining := parts[1]
		subParts := strings.SplitN(remaining, ":", 2)
		if len(subParts) == 2 {
			if subParts[0] == pkgManager {
				return subParts[1]
			}
			continue
		}

		if fallback == "" {
			fallback = remaining
		}
	}

	return fallback
}

// runInstallCommand runs an installation command.
func runInstallCommand(cmdStr string) error {
	log.Debug("running installation command", "cmd", cmdStr)

	cmd := exec.Command("sh", "-c", cmdStr)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	return cmd.Run()
}

// updatePath updates the PATH to include common installation locations.
func updatePath() {
	paths := []string{
		"/usr/local/bin",
		"/usr/local/go/bin",
		os.Getenv("HOME") + "/go/bin",
		os.Getenv("HOME") + "/.local/bin",
	}

	currentPath := os.Getenv("PATH")
	for _, p := range paths {
		if !strings.Contains(currentPath, p) {
			currentPath = p + ":" + currentPath
		}
	}
	os.Setenv("PATH", currentPath)
}

// GetInstallInstructions returns installation instructions for a tool.
func GetInstallInstructions(toolName string) string {
	tool, ok := CommonTools[toolName]
	if !ok {
		return fmt.Sprintf("unknown tool: %s", toolName)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Installation instructions for %s:\n", tool.Name))
	sb.WriteString(fmt.Sprintf("  %s\n\n", tool.Description))

	for _, cmd := range tool.InstallCmds {
		parts := strings.SplitN(cmd, ":", 2)
		if len(parts) >= 2 {
			osName := parts[0]
			remaining := parts[1]

			subParts := strings.SplitN(remaining, ":", 2)
			if len(subParts) == 2 {
				sb.WriteString(fmt.Sprintf("  %s (%s):\n    %s\n", osName, subParts[0], subParts[1]))
			} else {
				sb.WriteString(fmt.Sprintf("  %s:\n    %s\n", osName, remaining))
			}
		}
	}

	return sb.String()
}

// Preflight checks that the external tools a signing run will actually need
// are available, warning (never blocking) on anything missing: a project
// that never touches macOS bundles has no business being told codesign is
// missing.
func Preflight(needsManifestSigner, needsPE, needsAppBundle, needsChecksum bool) {
	if needsManifestSigner {
		if err := CheckAndInstallTool(CommonTools["mage"]); err != nil {
			log.Warn("manifest-update utility unavailable", "error", err)
		}
	}
	if needsPE {
		if err := CheckAndInstallTool(CommonTools["signtool"]); err != nil {
			log.Warn("Windows signing tool unavailable", "error", err)
		}
	}
	if needsAppBundle {
		if err := CheckAndInstallTool(CommonTools["codesign"]); err != nil {
			log.Warn("macOS signing tool unavailable", "error", err)
		}
	}
	if needsChecksum {
		if err := CheckAndInstallTool(CommonTools["gpg"]); err != nil {
			log.Warn("checksum signing tool unavailable", "error", err)
		}
	}
}
