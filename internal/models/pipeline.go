// Package models defines the core domain types for the deploy service.
package models

import (
	"fmt"
	"time"

	"github.com/gosimple/slug"
)

// DeployTarget describes the fixed remote host a pipeline deploys to.
type DeployTarget struct {
	Host          string `json:"host"`
	SSHPort       int    `json:"ssh_port"`
	User          string `json:"user"`
	ContainerName string `json:"container_name"`
	ImageName     string `json:"image_name"`
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	HealthPath    string `json:"health_path"`
}

// Addr returns the host:port address of the SSH channel.
func (t DeployTarget) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.SSHPort)
}

// HealthURL returns the HTTP endpoint the health verifier probes.
func (t DeployTarget) HealthURL() string {
	return fmt.Sprintf("http://%s:%d%s", t.Host, t.HostPort, t.HealthPath)
}

// Pipeline is a registered source repository plus its deployment target.
// The run supervisor treats a pipeline as an immutable configuration value
// for the duration of a run.
type Pipeline struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	RepoURL      string       `json:"repo_url"`
	Branch       string       `json:"branch"`
	BuildCommand string       `json:"build_command,omitempty"`
	Target       DeployTarget `json:"target"`
	CreatedBy    string       `json:"created_by,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Normalize fills derived defaults: branch, container and image base names.
func (p *Pipeline) Normalize() {
	if p.Branch == "" {
		p.Branch = "main"
	}
	base := slug.Make(p.Name)
	if p.Target.ContainerName == "" {
		p.Target.ContainerName = base
	}
	if p.Target.ImageName == "" {
		p.Target.ImageName = base
	}
	if p.Target.SSHPort == 0 {
		p.Target.SSHPort = 22
	}
	if p.Target.HealthPath == "" {
		p.Target.HealthPath = "/health"
	}
	if p.Target.ContainerPort == 0 {
		p.Target.ContainerPort = p.Target.HostPort
	}
}

// Validate checks that the pipeline carries everything a run needs.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if p.RepoURL == "" {
		return fmt.Errorf("repo_url is required")
	}
	if p.Target.Host == "" {
		return fmt.Errorf("target host is required")
	}
	if p.Target.User == "" {
		return fmt.Errorf("target user is required")
	}
	if p.Target.HostPort == 0 {
		return fmt.Errorf("target host_port is required")
	}
	return nil
}
