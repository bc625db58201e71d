package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// daemonEnv marks the re-executed child of a --daemonize invocation.
const daemonEnv = "_MEISTER_DAEMONIZED"

// daemonize detaches the current command: the parent re-executes itself in
// a new session with output captured to <prefix>.out/.err in the working
// directory and returns parent=true so the caller can exit 0; the child
// writes its pid to <prefix>.pid and carries on.
func daemonize(prefix string) (parent bool, err error) {
	if os.Getenv(daemonEnv) != "" {
		pidFile := prefix + ".pid"
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return false, fmt.Errorf("writing pid file %s: %w", pidFile, err)
		}
		return false, nil
	}

	self, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("cannot locate our own executable: %w", err)
	}
	ofp, err := os.Create(prefix + ".out")
	if err != nil {
		return false, err
	}
	defer ofp.Close()
	efp, err := os.Create(prefix + ".err")
	if err != nil {
		return false, err
	}
	defer efp.Close()

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdout = ofp
	cmd.Stderr = efp
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("spawning daemon child: %w", err)
	}
	// The child is intentionally not reaped; it outlives us.
	return true, nil
}

// removePidFile cleans a daemon's pid file up on exit.
func removePidFile(prefix string) {
	os.Remove(prefix + ".pid")
}
