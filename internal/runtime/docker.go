package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DockerCLI drives a local docker daemon through the CLI. Commands run with
// a restricted environment; nothing from the control-plane process leaks
// into build containers.
type DockerCLI struct {
	binary string
	log    *zap.Logger
}

func NewDockerCLI(log *zap.Logger) *DockerCLI {
	return &DockerCLI{binary: "docker", log: log}
}

func (d *DockerCLI) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=/tmp"}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		err = fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), stderr.String(), err
}

func (d *DockerCLI) BuildImage(ctx context.Context, contextDir, tag string) (string, string, error) {
	stdout, stderr, err := d.run(ctx, "build", "-t", tag, contextDir)
	buildLog := stdout + stderr
	if err != nil {
		return "", buildLog, err
	}
	id, _, err := d.run(ctx, "inspect", "--format", "{{.Id}}", tag)
	if err != nil {
		return "", buildLog, err
	}
	return strings.TrimSpace(id), buildLog, nil
}

func (d *DockerCLI) StartContainer(ctx context.Context, image, name string, containerPort int, env map[string]string) (string, int, error) {
	args := []string{"run", "-d", "--name", name,
		"-p", fmt.Sprintf("0:%d", containerPort)}
	for _, k := range sortedKeys(env) {
		args = append(args, "-e", k+"="+env[k])
	}
	args = append(args, image)
	stdout, _, err := d.run(ctx, args...)
	if err != nil {
		return "", 0, err
	}
	containerID := strings.TrimSpace(stdout)

	portOut, _, err := d.run(ctx, "port", containerID, fmt.Sprintf("%d/tcp", containerPort))
	if err != nil {
		_ = d.StopContainer(ctx, containerID)
		return "", 0, err
	}
	hostPort, err := parseHostPort(portOut)
	if err != nil {
		_ = d.StopContainer(ctx, containerID)
		return "", 0, err
	}
	return containerID, hostPort, nil
}

func (d *DockerCLI) StopContainer(ctx context.Context, containerID string) error {
	_, _, err := d.run(ctx, "rm", "-f", containerID)
	return err
}

func (d *DockerCLI) PushImage(ctx context.Context, tag string) (string, error) {
	stdout, stderr, err := d.run(ctx, "push", tag)
	if err != nil {
		return "", err
	}
	digest, ok := parsePushDigest(stdout + stderr)
	if !ok {
		return "", fmt.Errorf("docker push %s: no digest in output", tag)
	}
	return digest, nil
}

func (d *DockerCLI) RemoveImage(ctx context.Context, ref string) error {
	_, _, err := d.run(ctx, "rmi", "-f", ref)
	return err
}

func (d *DockerCLI) PruneDanglingImages(ctx context.Context) (int, error) {
	stdout, _, err := d.run(ctx, "image", "prune", "-f")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "deleted:") {
			count++
		}
	}
	d.log.Info("pruned dangling images", zap.Int("count", count))
	return count, nil
}

// parseHostPort reads the first "host:port" mapping from `docker port`
// output, e.g. "0.0.0.0:49153".
func parseHostPort(out string) (int, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(line[idx+1:])
		if err == nil && port > 0 {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no host port in %q", strings.TrimSpace(out))
}

// parsePushDigest extracts "sha256:..." from docker push output
// ("latest: digest: sha256:abc size: 1234").
func parsePushDigest(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, "digest: ")
		if idx < 0 {
			continue
		}
		rest := line[idx+len("digest: "):]
		fields := strings.Fields(rest)
		if len(fields) > 0 && strings.HasPrefix(fields[0], "sha256:") {
			return fields[0], true
		}
	}
	return "", false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
