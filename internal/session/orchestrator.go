package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/termhive/termhive/internal/logutil"
	"github.com/termhive/termhive/internal/runtime"
)

var (
	// ErrNotFound is returned for explicit operations on an identity with no
	// live session.
	ErrNotFound = errors.New("no active session")

	// ErrAtCapacity is returned when the configured concurrent-session cap
	// is reached before a port is even allocated.
	ErrAtCapacity = errors.New("system at capacity")

	// ErrRuntimeUnavailable is returned when no container runtime is
	// connected; the auth surface keeps working without one.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
)

// Dashboards provisions an optional per-session monitoring dashboard. A nil
// implementation disables the feature.
type Dashboards interface {
	EnsureDashboard(ctx context.Context, identity, containerName string) (string, error)
}

// Config carries the fixed operating parameters every session is created
// with.
type Config struct {
	HostIP      string
	Image       string
	Limits      runtime.Limits
	MaxSessions int
}

// Orchestrator owns the session lifecycle: request, status/heartbeat and
// terminate all funnel through it, as does the reaper's eviction path.
type Orchestrator struct {
	cfg        Config
	registry   *Registry
	ports      *PortAllocator
	rt         runtime.Runtime
	dashboards Dashboards

	// now is swappable so timing behavior is testable.
	now func() time.Time
}

func NewOrchestrator(cfg Config, ports *PortAllocator, rt runtime.Runtime, dashboards Dashboards) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		registry:   NewRegistry(),
		ports:      ports,
		rt:         rt,
		dashboards: dashboards,
		now:        time.Now,
	}
}

// RequestSession returns the identity's live session, creating one if none
// exists. It is idempotent: an existing record comes back unchanged, with no
// heartbeat side effect. Concurrent calls for a never-seen identity result
// in exactly one provisioning operation; the losers wait on it and observe
// the same outcome.
func (o *Orchestrator) RequestSession(ctx context.Context, identity string) (Record, error) {
	for {
		o.registry.mu.Lock()
		e, ok := o.registry.entries[identity]
		if ok {
			o.registry.mu.Unlock()
			rec, err, retry := o.awaitEntry(e)
			if retry {
				continue
			}
			return rec, err
		}

		if o.rt == nil || !o.rt.IsAvailable(ctx) {
			o.registry.mu.Unlock()
			return Record{}, ErrRuntimeUnavailable
		}
		if o.cfg.MaxSessions > 0 && len(o.registry.entries) >= o.cfg.MaxSessions {
			o.registry.mu.Unlock()
			return Record{}, ErrAtCapacity
		}

		port, err := o.ports.Allocate()
		if err != nil {
			o.registry.mu.Unlock()
			return Record{}, err
		}

		now := o.now()
		e = newEntry(Record{
			Identity:       identity,
			Port:           port,
			CreatedAt:      now,
			LastActivityAt: now,
			State:          StateRequested,
		})
		o.registry.entries[identity] = e
		o.registry.mu.Unlock()

		return o.provision(ctx, identity, e, port)
	}
}

// awaitEntry waits for an existing entry's in-flight provisioning (if any)
// to settle and reads its outcome. retry is true when the entry is being
// torn down and the caller should start over once it's gone.
func (o *Orchestrator) awaitEntry(e *entry) (Record, error, bool) {
	<-e.ready

	e.mu.Lock()
	if e.err != nil {
		err := e.err
		e.mu.Unlock()
		return Record{}, err, false
	}
	if e.rec.State == StateActive {
		rec := e.rec
		e.mu.Unlock()
		return rec, nil, false
	}
	// Terminating or terminated: wait for removal, then re-provision.
	e.mu.Unlock()
	<-e.gone
	return Record{}, nil, true
}

// provision runs the runtime create outside any lock, then either commits
// the Active record or rolls the half-made one back, leaving no orphaned
// port or registry entry behind.
func (o *Orchestrator) provision(ctx context.Context, identity string, e *entry, port int) (Record, error) {
	c, err := o.rt.Create(ctx, runtime.CreateParams{
		Identity: identity,
		Port:     port,
		Image:    o.cfg.Image,
		Limits:   o.cfg.Limits,
	})
	if err != nil {
		perr := &runtime.ProvisionError{Identity: identity, Err: err}
		e.mu.Lock()
		e.err = perr
		e.rec.State = StateTerminated
		e.mu.Unlock()
		o.registry.remove(identity, e)
		o.ports.Release(port)
		close(e.ready)
		close(e.gone)
		return Record{}, perr
	}

	var dashURL string
	if o.dashboards != nil {
		u, derr := o.dashboards.EnsureDashboard(ctx, identity, c.Name)
		if derr != nil {
			log.Printf("Dashboard for %s: %v", logutil.SanitizeForLog(identity), derr)
		} else {
			dashURL = u
		}
	}

	e.mu.Lock()
	e.rec.ContainerRef = c.Ref
	e.rec.ContainerName = c.Name
	e.rec.WorkspaceVolume = c.Volume
	e.rec.EndpointURL = fmt.Sprintf("http://%s:%d", o.cfg.HostIP, port)
	e.rec.DashboardURL = dashURL
	e.rec.State = StateActive
	rec := e.rec
	e.mu.Unlock()
	close(e.ready)

	log.Printf("Session created for %s: %s on port %d", logutil.SanitizeForLog(identity), c.Name, port)
	return rec, nil
}

// GetStatus reports whether the identity has a live session and, if so,
// refreshes its last-activity timestamp. It never creates a session.
func (o *Orchestrator) GetStatus(ctx context.Context, identity string) (Record, bool) {
	e, ok := o.registry.get(identity)
	if !ok {
		return Record{}, false
	}

	select {
	case <-e.ready:
	default:
		// Provisioning still in flight: report it without heartbeating.
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		return rec, true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil || e.rec.State != StateActive {
		return Record{}, false
	}
	if now := o.now(); now.After(e.rec.LastActivityAt) {
		e.rec.LastActivityAt = now
	}
	return e.rec, true
}

// Peek reads the identity's record without the heartbeat side effect.
func (o *Orchestrator) Peek(identity string) (Record, bool) {
	e, ok := o.registry.get(identity)
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil || e.rec.State == StateTerminating || e.rec.State == StateTerminated {
		return Record{}, false
	}
	return e.rec, true
}

// ActiveSessions counts live registry entries.
func (o *Orchestrator) ActiveSessions() int {
	return o.registry.Len()
}

// Capacity is the maximum number of concurrent sessions.
func (o *Orchestrator) Capacity() int {
	if o.cfg.MaxSessions > 0 && o.cfg.MaxSessions < o.ports.Capacity() {
		return o.cfg.MaxSessions
	}
	return o.ports.Capacity()
}

// RuntimeAvailable reports whether a container runtime is connected.
func (o *Orchestrator) RuntimeAvailable(ctx context.Context) bool {
	return o.rt != nil && o.rt.IsAvailable(ctx)
}

// TerminateSession tears down the identity's session. An absent session is
// ErrNotFound: an explicit caller asked to terminate something that isn't
// there and should see the mismatch.
func (o *Orchestrator) TerminateSession(ctx context.Context, identity string) error {
	_, err := o.terminate(ctx, identity, terminateOpts{})
	return err
}

type terminateOpts struct {
	// byReaper makes an absent session a silent no-op instead of ErrNotFound.
	byReaper bool
	// idleFor, when set, aborts the termination unless the session has been
	// inactive longer than this. The comparison happens under the same
	// per-identity lock heartbeats take, so a fresh heartbeat always wins.
	idleFor time.Duration
}

func (o *Orchestrator) terminate(ctx context.Context, identity string, opts terminateOpts) (bool, error) {
	e, ok := o.registry.get(identity)
	if !ok {
		if opts.byReaper {
			return false, nil
		}
		return false, ErrNotFound
	}

	if opts.idleFor > 0 {
		// A session still provisioning is by definition fresh.
		select {
		case <-e.ready:
		default:
			return false, nil
		}
	} else {
		// An explicit terminate that lands mid-provision joins the in-flight
		// operation instead of racing a second destroy.
		<-e.ready
	}

	e.mu.Lock()
	if e.err != nil || e.rec.State != StateActive {
		e.mu.Unlock()
		if opts.byReaper {
			return false, nil
		}
		return false, ErrNotFound
	}
	if opts.idleFor > 0 && o.now().Sub(e.rec.LastActivityAt) <= opts.idleFor {
		e.mu.Unlock()
		return false, nil
	}
	e.rec.State = StateTerminating
	ref := e.rec.ContainerRef
	name := e.rec.ContainerName
	port := e.rec.Port
	e.mu.Unlock()

	// Runtime I/O runs outside every lock. A destroy failure is logged and
	// cleanup continues; the registry's view of "session gone" must not
	// depend on the runtime cooperating.
	if o.rt != nil {
		if err := o.rt.Destroy(ctx, ref); err != nil {
			log.Printf("Destroy container %s for %s: %v", name, logutil.SanitizeForLog(identity), err)
		}
	}

	o.registry.remove(identity, e)
	o.ports.Release(port)

	e.mu.Lock()
	e.rec.State = StateTerminated
	e.mu.Unlock()
	close(e.gone)

	log.Printf("Session terminated for %s (%s), port %d released", logutil.SanitizeForLog(identity), name, port)
	return true, nil
}
