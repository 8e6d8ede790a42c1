//go:build !unix

package sandbox

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

func killProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
