package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	tunerr "ecstunnel/internal/errors"
	"ecstunnel/util"
)

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command as a child process.  A non-zero exit is
// reported together with the command's stderr.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// ECS resolves services and tasks with the aws CLI.
type ECS struct {
	AWSExec string
	Region  string
	Profile string
	Run     Runner // ExecRunner when nil
	Logger  *util.Logger
}

func (e *ECS) aws(ctx context.Context, out any, args ...string) error {
	args = append(args, "--region", e.Region, "--output", "json")
	if e.Profile != "" {
		args = append(args, "--profile", e.Profile)
	}
	run := e.Run
	if run == nil {
		run = ExecRunner
	}
	exe := e.AWSExec
	if exe == "" {
		exe = "aws"
	}
	if e.Logger != nil {
		e.Logger.Debug("discovery: %s %s", exe, strings.Join(args, " "))
	}
	data, err := run(ctx, exe, args...)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ServiceName returns the first service listed in cluster.
func (e *ECS) ServiceName(ctx context.Context, cluster string) (string, error) {
	var resp struct {
		ServiceArns []string `json:"serviceArns"`
	}
	if err := e.aws(ctx, &resp, "ecs", "list-services", "--cluster", cluster); err != nil {
		return "", &tunerr.DiscoveryError{Kind: "service", Cluster: cluster, Err: err}
	}
	if len(resp.ServiceArns) == 0 {
		return "", notFound("service", cluster, "")
	}
	return lastSegment(resp.ServiceArns[0]), nil
}

// TaskID returns the first running task of service.
func (e *ECS) TaskID(ctx context.Context, cluster, service string) (string, error) {
	var resp struct {
		TaskArns []string `json:"taskArns"`
	}
	err := e.aws(ctx, &resp, "ecs", "list-tasks",
		"--cluster", cluster,
		"--service-name", service,
		"--desired-status", "RUNNING")
	if err != nil {
		return "", &tunerr.DiscoveryError{Kind: "task", Cluster: cluster, Service: service, Err: err}
	}
	if len(resp.TaskArns) == 0 {
		return "", notFound("task", cluster, service)
	}
	return lastSegment(resp.TaskArns[0]), nil
}
