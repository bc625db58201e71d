package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/benchkit/meister/internal/waitfs"
)

// redisConfTemplate is the bus configuration written into the run's tm/
// directory. The server daemonizes itself and leaves its pid file for the
// stop path to find.
const redisConfTemplate = `bind %s
port %d
daemonize yes
pidfile %s
logfile %s
dir %s
save ""
`

func redisPidFile(tmDir string, port int) string {
	return filepath.Join(tmDir, fmt.Sprintf("redis_%d.pid", port))
}

// spawnRedis writes the bus configuration and starts the daemonizing
// redis-server, waiting for its pid file to confirm it is up.
func spawnRedis(ctx context.Context, tmDir string, port int, fullHostname string) error {
	conf := filepath.Join(tmDir, "redis.conf")
	pidFile := redisPidFile(tmDir, port)
	binds := "localhost"
	if fullHostname != "" {
		binds = "localhost " + fullHostname
	}
	content := fmt.Sprintf(redisConfTemplate,
		binds, port, pidFile, filepath.Join(tmDir, "redis.log"), tmDir)
	if err := os.WriteFile(conf, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to create redis server configuration: %w", err)
	}

	srvr, err := exec.LookPath("redis-server")
	if err != nil {
		return fmt.Errorf("redis-server executable not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, srvr, conf)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("redis-server failed: %w (%s)", err, out)
	}
	if err := waitfs.WaitForFile(ctx, pidFile, 10*time.Second); err != nil {
		return fmt.Errorf("redis server pid file never appeared: %w", err)
	}
	return nil
}

// killRedis reads the bus pid file and KILLs the server. It is best-effort;
// a missing pid file or dead process are not errors worth surfacing.
func killRedis(pidFile string) {
	pid, err := readPidFile(pidFile)
	if err != nil {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

func readPidFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("bad pid value in %s: %w", path, err)
	}
	return pid, nil
}

// spawnSelf runs this binary's sink or tm subcommand in daemonize mode and
// waits for the parent to exit, which it does once the daemon child is up.
func spawnSelf(ctx context.Context, tmDir, subcommand, configPath string, redisPort int, paramKey string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate our own executable: %w", err)
	}
	args := []string{
		subcommand,
		"--redis-host", "localhost",
		"--redis-port", strconv.Itoa(redisPort),
		"--param-key", paramKey,
		"--daemonize",
	}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.CommandContext(ctx, self, args...)
	cmd.Dir = tmDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s spawn failed: %w (%s)", subcommand, err, out)
	}
	return nil
}
