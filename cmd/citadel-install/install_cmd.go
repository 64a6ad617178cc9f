package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/subgraph/citadel-core/internal/blockio"
	"github.com/subgraph/citadel-core/internal/logger"
	"github.com/subgraph/citadel-core/internal/progressbus"
	"github.com/subgraph/citadel-core/internal/provisioner"
)

var (
	installTarget          string
	installArtifactDir     string
	installKernelVersion   string
	installChannel         string
	installNoSyslinux      bool
	installAssumeYes       bool
	installCitadelPassFile string
	installLuksPassFile    string
)

// newInstallCommand mirrors `run_cli_install_with`: the target device is
// always named up front by flag rather than picked from an interactive
// numbered menu, since the retry-loop disk picker is out of scope here.
func newInstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Partition and install Citadel onto a target disk",
		RunE:  runInstall,
	}
	cmd.Flags().StringVar(&installTarget, "target", "", "block device to install onto, e.g. /dev/sda (required)")
	cmd.Flags().StringVar(&installArtifactDir, "artifact-dir", "", "directory holding install artifacts (default /run/citadel/images)")
	cmd.Flags().StringVar(&installKernelVersion, "kernel-version", "", "kernel release suffix for bzImage-*/citadel-kernel-*.img")
	cmd.Flags().StringVar(&installChannel, "channel", "", "release channel artifacts are staged under (default dev)")
	cmd.Flags().BoolVar(&installNoSyslinux, "no-syslinux", false, "skip installing a BIOS-bootable syslinux configuration")
	cmd.Flags().BoolVarP(&installAssumeYes, "yes", "y", false, "skip the destructive-install confirmation prompt")
	cmd.Flags().StringVar(&installCitadelPassFile, "citadel-passphrase-file", "", "read the citadel user passphrase from this file instead of prompting")
	cmd.Flags().StringVar(&installLuksPassFile, "luks-passphrase-file", "", "read the LUKS disk passphrase from this file instead of prompting")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runInstall(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	sessionID := uuid.New().String()
	log.Infof("citadel-install: starting install session %s", sessionID)

	disk, err := findDiskByPath(installTarget)
	if err != nil {
		return err
	}
	displayDisk(cmd, disk)

	citadelPass, err := resolvePassphrase(installCitadelPassFile, "Enter a password for the Citadel user")
	if err != nil {
		return err
	}
	luksPass, err := resolvePassphrase(installLuksPassFile, "Enter a disk encryption passphrase")
	if err != nil {
		return err
	}

	if !installAssumeYes && !confirmInstall(cmd, disk) {
		fmt.Fprintln(cmd.OutOrStdout(), "install cancelled")
		return nil
	}

	opts := provisioner.Options{
		Target:            disk.Path(),
		CitadelPassphrase: citadelPass,
		LuksPassphrase:    luksPass,
		ArtifactDir:       installArtifactDir,
		InstallSyslinux:   !installNoSyslinux,
		KernelVersion:     installKernelVersion,
		Channel:           installChannel,
	}

	bus := progressbus.New()
	p := provisioner.New(opts, nil, bus)
	if err := p.Verify(); err != nil {
		return fmt.Errorf("install session %s: %w", sessionID, err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run() }()

	renderProgress(cmd, bus)

	if err := <-done; err != nil {
		return fmt.Errorf("install session %s failed: %w", sessionID, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "install complete")
	return nil
}

func renderProgress(cmd *cobra.Command, bus *progressbus.Bus) {
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	for ev := range events {
		bar.Describe(ev.Stage.String())
		_ = bar.Set(int(progressbus.Fraction(ev.Stage) * 100))
		if ev.Stage == progressbus.Completed || ev.Stage == progressbus.Failed {
			return
		}
	}
}

func resolvePassphrase(fromFile, prompt string) (string, error) {
	if fromFile != "" {
		b, err := os.ReadFile(fromFile)
		if err != nil {
			return "", fmt.Errorf("read passphrase file %s: %w", fromFile, err)
		}
		return strings.TrimRight(string(b), "\r\n"), nil
	}
	return readPassphrase(prompt)
}

func findDiskByPath(path string) (blockio.Disk, error) {
	if _, err := os.Stat(path); err != nil {
		return blockio.Disk{}, fmt.Errorf("target disk path %s does not exist", path)
	}
	disks, err := blockio.ProbeAll()
	if err != nil {
		return blockio.Disk{}, fmt.Errorf("probe disks: %w", err)
	}
	for _, d := range disks {
		if d.Path() == path {
			return d, nil
		}
	}
	return blockio.Disk{}, fmt.Errorf("installation target %s is not a valid disk", path)
}

func displayDisk(cmd *cobra.Command, d blockio.Disk) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Device: %s\n", d.Path())
	fmt.Fprintf(out, "    Size: %s\n", d.SizeString())
	fmt.Fprintf(out, "   Model: %s\n", d.Model)
	fmt.Fprintln(out)
}

func confirmInstall(cmd *cobra.Command, d blockio.Disk) bool {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Are you sure you want to completely erase this device?")
	fmt.Fprintln(out)
	displayDisk(cmd, d)
	fmt.Fprint(out, "Type YES (uppercase) to continue with install: ")

	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	return strings.TrimRight(line, "\r\n") == "YES"
}
