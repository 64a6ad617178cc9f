// Package shell runs the privileged external commands Citadel's provisioner
// and realm runtime depend on: parted, cryptsetup, lvm, mkfs.*, veritysetup,
// mount/umount, systemd-nspawn. Every step of the disk-provisioning pipeline
// and RealmFS lifecycle goes through an Executor rather than exec.Command
// directly, so tests can substitute a fake one.
package shell

import (
	"bufio"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/subgraph/citadel-core/internal/logger"
)

var log = logger.Logger()

// Executor runs shell commands, optionally under sudo and with extra
// environment variables. Citadel always runs against the host; unlike the
// teacher's chroot-capable executor there is no sysroot argument, since
// nothing in the provisioning or realm pipeline ever builds inside a target
// filesystem.
type Executor interface {
	ExecCmd(cmdStr string, sudo bool, envVal []string) (string, error)
	ExecCmdSilent(cmdStr string, sudo bool, envVal []string) (string, error)
	ExecCmdWithStream(cmdStr string, sudo bool, envVal []string) (string, error)
	ExecCmdWithInput(inputStr string, cmdStr string, sudo bool, envVal []string) (string, error)
}

type DefaultExecutor struct{}

var Default Executor = &DefaultExecutor{}

// GetFullCmdStr prepends sudo and any extra environment assignments to
// cmdStr, logging the resulting invocation at debug level.
func GetFullCmdStr(cmdStr string, sudo bool, envVal []string) string {
	envValStr := ""
	for _, env := range envVal {
		envValStr += env + " "
	}

	if !sudo {
		log.Debugf("Exec: [" + cmdStr + "]")
		return envValStr + cmdStr
	}

	fullCmdStr := "sudo " + envValStr + cmdStr
	log.Debugf("Exec: [sudo " + cmdStr + "]")
	return fullCmdStr
}

// ExecCmd executes a command and returns its combined output.
func (d *DefaultExecutor) ExecCmd(cmdStr string, sudo bool, envVal []string) (string, error) {
	fullCmdStr := GetFullCmdStr(cmdStr, sudo, envVal)

	cmd := exec.Command("bash", "-c", fullCmdStr)
	output, err := cmd.CombinedOutput()
	outputStr := string(output)

	if err != nil {
		if outputStr != "" {
			return outputStr, fmt.Errorf("failed to exec %s: output %s, err %w", fullCmdStr, outputStr, err)
		}
		return outputStr, fmt.Errorf("failed to exec %s: %w", fullCmdStr, err)
	}

	if outputStr != "" {
		log.Debugf(outputStr)
	}
	return outputStr, nil
}

// ExecCmdSilent executes a command without logging its output, for steps
// (like passphrase setup) whose stdout must never be written to the log.
func (d *DefaultExecutor) ExecCmdSilent(cmdStr string, sudo bool, envVal []string) (string, error) {
	fullCmdStr := GetFullCmdStr(cmdStr, sudo, envVal)

	cmd := exec.Command("bash", "-c", fullCmdStr)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// ExecCmdWithStream executes a command, logging each line of stdout/stderr
// as it arrives rather than buffering to the end. Used for long-running
// steps (mkfs, veritysetup format) where the caller wants progress visible.
func (d *DefaultExecutor) ExecCmdWithStream(cmdStr string, sudo bool, envVal []string) (string, error) {
	fullCmdStr := GetFullCmdStr(cmdStr, sudo, envVal)
	cmd := exec.Command("bash", "-c", fullCmdStr)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to get stdout pipe for command %s: %w", fullCmdStr, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to get stderr pipe for command %s: %w", fullCmdStr, err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start command %s: %w", fullCmdStr, err)
	}

	outputChan := make(chan string)
	var wg sync.WaitGroup
	wg.Add(3)

	var outputStr strings.Builder
	go func() {
		defer wg.Done()
		for output := range outputChan {
			outputStr.WriteString(output)
			outputStr.WriteString("\n")
		}
	}()

	go func() {
		defer wg.Done()
		defer close(outputChan)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			str := scanner.Text()
			if str != "" {
				outputChan <- str
				log.Debugf(str)
			}
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			str := scanner.Text()
			if str != "" {
				log.Debugf("!   " + str)
			}
		}
	}()

	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return outputStr.String(), fmt.Errorf("failed to wait for command %s: %w", fullCmdStr, err)
	}

	return outputStr.String(), nil
}

// ExecCmdWithInput executes a command, feeding inputStr to its stdin. Used
// for cryptsetup/lvm steps that read a passphrase or confirmation from
// stdin instead of an argument.
func (d *DefaultExecutor) ExecCmdWithInput(inputStr string, cmdStr string, sudo bool, envVal []string) (string, error) {
	fullCmdStr := GetFullCmdStr(cmdStr, sudo, envVal)

	cmd := exec.Command("bash", "-c", fullCmdStr)
	cmd.Stdin = strings.NewReader(inputStr)

	output, err := cmd.CombinedOutput()
	outputStr := string(output)

	if err != nil {
		return outputStr, fmt.Errorf("failed to exec %s with input: %w", fullCmdStr, err)
	}
	if outputStr != "" {
		log.Debugf(outputStr)
	}
	return outputStr, nil
}

// Package-level convenience wrappers around Default.

func ExecCmd(cmdStr string, sudo bool, envVal []string) (string, error) {
	return Default.ExecCmd(cmdStr, sudo, envVal)
}

func ExecCmdSilent(cmdStr string, sudo bool, envVal []string) (string, error) {
	return Default.ExecCmdSilent(cmdStr, sudo, envVal)
}

func ExecCmdWithStream(cmdStr string, sudo bool, envVal []string) (string, error) {
	return Default.ExecCmdWithStream(cmdStr, sudo, envVal)
}

func ExecCmdWithInput(inputStr string, cmdStr string, sudo bool, envVal []string) (string, error) {
	return Default.ExecCmdWithInput(inputStr, cmdStr, sudo, envVal)
}
