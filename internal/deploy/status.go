package deploy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const composeProjectLabel = "com.docker.compose.project"
const composeServiceLabel = "com.docker.compose.service"

// ContainerLister is the subset of the Docker client used for status reports.
type ContainerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// ServiceStatus is one container of the compose project.
type ServiceStatus struct {
	Service string
	Name    string
	State   string
	Status  string
}

// StatusReporter lists the compose project's containers after a deploy.
type StatusReporter struct {
	docker  ContainerLister
	project string
}

// NewDockerClient connects to the daemon from the environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

// NewStatusReporter reports on containers labelled with project.
func NewStatusReporter(docker ContainerLister, project string) *StatusReporter {
	return &StatusReporter{docker: docker, project: project}
}

// Report returns the project's containers sorted by service. A project with
// no containers yields an empty report.
func (s *StatusReporter) Report(ctx context.Context) ([]ServiceStatus, error) {
	list, err := s.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", composeProjectLabel+"="+s.project)),
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list containers for %s: %w", s.project, err)
	}

	out := make([]ServiceStatus, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ServiceStatus{
			Service: c.Labels[composeServiceLabel],
			Name:    name,
			State:   string(c.State),
			Status:  c.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}
