// Package leader provides Kubernetes Lease-based leader election so that
// only one replica of auctiond runs auction commands. Followers keep
// serving viewers from the relay.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/jensholdgaard/cricket-auction/internal/config"
)

// State tracks whether this replica currently leads. The zero value is a
// follower that knows no leader.
type State struct {
	leading atomic.Bool

	mu     sync.RWMutex
	leader string
}

// AlwaysLeader returns a State for single-replica deployments.
func AlwaysLeader() *State {
	s := &State{}
	s.leading.Store(true)
	s.leader = identity()
	return s
}

// IsLeader reports whether this replica holds the lease.
func (s *State) IsLeader() bool { return s.leading.Load() }

// Leader returns the identity of the last observed leader.
func (s *State) Leader() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader
}

func (s *State) observe(id string) {
	s.mu.Lock()
	s.leader = id
	s.mu.Unlock()
}

// identity returns a unique identity for this instance.
// It uses the POD_NAME env var if set, otherwise the hostname.
func identity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// ClientFactory creates a Kubernetes clientset.
// Extracted as a variable for testing.
var ClientFactory = func() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("building in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

// Callbacks are invoked by Run as leadership changes.
type Callbacks struct {
	// Prepare runs once the lease is held but before State reports this
	// replica as leader, so commands are still refused while it runs.
	Prepare func(ctx context.Context)
	// Lead runs while this replica leads and should block until ctx is done.
	Lead func(ctx context.Context)
	// Stopped runs when leadership is lost.
	Stopped func()
}

// Run starts leader election and keeps state current. It blocks until the
// election loop exits.
func Run(ctx context.Context, cfg config.LeaderElectionConfig, state *State, logger *slog.Logger, cb Callbacks) error {
	id := identity()
	logger.Info("starting leader election",
		slog.String("identity", id),
		slog.String("lease", cfg.LeaseName),
		slog.String("namespace", cfg.LeaseNamespace),
	)

	client, err := ClientFactory()
	if err != nil {
		return fmt.Errorf("leader election client: %w", err)
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaseName,
			Namespace: cfg.LeaseNamespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: id,
		},
	}

	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				logger.Info("acquired leadership", slog.String("identity", id))
				if cb.Prepare != nil {
					cb.Prepare(ctx)
				}
				state.leading.Store(true)
				state.observe(id)
				if cb.Lead != nil {
					cb.Lead(ctx)
				}
			},
			OnStoppedLeading: func() {
				logger.Info("lost leadership", slog.String("identity", id))
				state.leading.Store(false)
				if cb.Stopped != nil {
					cb.Stopped()
				}
			},
			OnNewLeader: func(newID string) {
				state.observe(newID)
				if newID == id {
					return
				}
				logger.Info("new leader elected", slog.String("leader", newID))
			},
		},
	})

	return nil
}
