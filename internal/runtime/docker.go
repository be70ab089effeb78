package runtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/termhive/termhive/internal/config"
	"github.com/termhive/termhive/internal/logutil"
)

const (
	labelManagedBy = "termhive"
	// ttyd listens on this port inside every session container; the host
	// port from the allocator pool is published onto it.
	terminalPort = "7681/tcp"
)

type DockerRuntime struct {
	client    *dockerclient.Client
	available bool
}

func (d *DockerRuntime) Initialize(ctx context.Context) error {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	d.available = true
	log.Println("Docker daemon connected")
	return nil
}

func (d *DockerRuntime) IsAvailable(_ context.Context) bool {
	return d.available
}

func (d *DockerRuntime) BackendName() string {
	return "docker"
}

func workspaceVolumeName(identity string) string {
	return "user-data-" + SanitizeIdentity(identity)
}

func containerName(identity string) string {
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("cli-%s-%s", SanitizeIdentity(identity), suffix)
}

func (d *DockerRuntime) ensureImage(ctx context.Context, img string) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("Image %s pulled", img)
	return nil
}

// ensureWorkspace creates the per-identity data volume if it doesn't exist.
// The volume survives container destruction so files in /workspace persist
// across sequential sessions.
func (d *DockerRuntime) ensureWorkspace(ctx context.Context, identity string) (string, error) {
	volName := workspaceVolumeName(identity)
	_, err := d.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volName,
		Labels: map[string]string{"managed-by": labelManagedBy, "identity": SanitizeIdentity(identity)},
	})
	if err != nil {
		return "", fmt.Errorf("create volume %s: %w", volName, err)
	}
	return volName, nil
}

func (d *DockerRuntime) Create(ctx context.Context, params CreateParams) (Container, error) {
	if !d.available {
		return Container{}, fmt.Errorf("docker runtime unavailable")
	}

	if err := d.ensureImage(ctx, params.Image); err != nil {
		return Container{}, err
	}

	volName, err := d.ensureWorkspace(ctx, params.Identity)
	if err != nil {
		return Container{}, err
	}

	name := containerName(params.Identity)
	tport := nat.Port(terminalPort)

	containerCfg := &container.Config{
		Image: params.Image,
		Cmd:   strslice.StrSlice{"ttyd", "-W", "-p", "7681", "--max-clients", "1", "bash"},
		Env: []string{
			"HOME=/workspace",
			"USER=user",
			"SHELL=/bin/bash",
		},
		WorkingDir: "/workspace",
		Labels: map[string]string{
			"managed-by": labelManagedBy,
			"identity":   SanitizeIdentity(params.Identity),
		},
		ExposedPorts: nat.PortSet{tport: struct{}{}},
	}

	pids := params.Limits.PidsLimit
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: volName, Target: "/workspace"},
		},
		PortBindings: nat.PortMap{
			tport: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(params.Port)}},
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp":  "",
			"/home": "",
			"/var":  "",
		},
		CapDrop:     strslice.StrSlice{"ALL"},
		CapAdd:      strslice.StrSlice{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETGID", "SETUID"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:   params.Limits.MemoryBytes,
			NanoCPUs: params.Limits.NanoCPUs,
			PidsLimit: func() *int64 {
				if pids > 0 {
					return &pids
				}
				return nil
			}(),
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return Container{}, fmt.Errorf("create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leave a created-but-never-started container behind.
		if rmErr := d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			log.Printf("Remove unstarted container %s: %v", name, rmErr)
		}
		return Container{}, fmt.Errorf("start container: %w", err)
	}

	log.Printf("Created container %s for %s on port %d", name, logutil.SanitizeForLog(params.Identity), params.Port)
	return Container{Ref: resp.ID, Name: name, Volume: volName}, nil
}

// Destroy force-removes the container. The workspace volume is kept on
// purpose. A container that is already gone counts as destroyed.
func (d *DockerRuntime) Destroy(ctx context.Context, ref string) error {
	if !d.available {
		return fmt.Errorf("docker runtime unavailable")
	}
	err := d.client.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", ref, err)
	}
	return nil
}

var _ Runtime = (*DockerRuntime)(nil)
