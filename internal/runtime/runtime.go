package runtime

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/docker/go-units"
)

// Runtime is the narrow contract the orchestrator consumes: create an
// isolated environment bound to an identity and a host port, and destroy it
// by reference. Implementations own every runtime detail beyond that.
type Runtime interface {
	Initialize(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	BackendName() string

	Create(ctx context.Context, params CreateParams) (Container, error)
	Destroy(ctx context.Context, ref string) error
}

// Limits is the fixed resource ceiling applied to every session container.
type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

type CreateParams struct {
	Identity string
	Port     int
	Image    string
	Limits   Limits
}

// Container is the handle returned by Create. Ref is what Destroy takes;
// Name and Volume are surfaced to clients for display.
type Container struct {
	Ref    string
	Name   string
	Volume string
}

// ProvisionError wraps a runtime create failure so callers can tell it apart
// from registry-level errors.
type ProvisionError struct {
	Identity string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision session for %s: %v", e.Identity, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ParseLimits converts the configured memory ("128m") and CPU ("0.5" or
// "500m") strings into the byte/nano-CPU values the runtime needs.
func ParseLimits(memory, cpus string, pids int64) (Limits, error) {
	memBytes, err := units.RAMInBytes(memory)
	if err != nil {
		return Limits{}, fmt.Errorf("parse memory limit %q: %w", memory, err)
	}
	nanoCPUs := parseCPUToNanoCPUs(cpus)
	if nanoCPUs <= 0 {
		return Limits{}, fmt.Errorf("parse cpu limit %q", cpus)
	}
	return Limits{MemoryBytes: memBytes, NanoCPUs: nanoCPUs, PidsLimit: pids}, nil
}

func parseCPUToNanoCPUs(cpuStr string) int64 {
	if strings.HasSuffix(cpuStr, "m") {
		val := cpuStr[:len(cpuStr)-1]
		var n int64
		fmt.Sscanf(val, "%d", &n)
		return n * 1_000_000
	}
	var f float64
	fmt.Sscanf(cpuStr, "%f", &f)
	return int64(f * 1_000_000_000)
}

var nameUnsafe = regexp.MustCompile(`[^a-z0-9-]`)
var nameSeparators = regexp.MustCompile(`[\s_]+`)

// SanitizeIdentity maps an identity onto a string safe for container and
// volume names.
func SanitizeIdentity(identity string) string {
	name := strings.ToLower(identity)
	name = nameSeparators.ReplaceAllString(name, "-")
	name = nameUnsafe.ReplaceAllString(name, "")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "user"
	}
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}
