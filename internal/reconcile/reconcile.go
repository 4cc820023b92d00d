// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconcile converts a desired resource plan into actual
// remote API calls, idempotently. Each descriptor moves through a
// small state machine (Planned, Submitting, then Succeeded, Conflict
// or Failed); the reconciler walks the plan in dependency order,
// reads before it writes, retries transient remote errors with
// bounded backoff, and never rolls back what it already applied.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"

	"github.com/juju/netexpose/internal/ownership"
	"github.com/juju/netexpose/internal/plan"
)

var logger = loggo.GetLogger("netexpose.reconcile")

const (
	// ErrNameCollision is raised when a resource already exists under
	// a derived name but belongs to a different workload. The
	// reconciler fails fast instead of mutating another owner's
	// resource; this is a safety invariant, not a retried condition.
	ErrNameCollision = errors.ConstError("resource name collision")

	// ErrProvisioningTimeout is raised when a long-running remote
	// operation does not complete within the provisioning timeout.
	ErrProvisioningTimeout = errors.ConstError("provisioning timed out")

	// ErrRemoteRejected is raised when the provider reports a
	// permanent failure; the provider's message is preserved in the
	// error chain.
	ErrRemoteRejected = errors.ConstError("remote API rejected request")

	// ErrTransient marks remote errors that are safe to retry:
	// rate limiting and provider-side timeouts. The remote client
	// hides this into the errors it classifies as transient.
	ErrTransient = errors.ConstError("transient remote error")
)

// Status is the reconciliation state of one descriptor.
type Status string

const (
	StatusPlanned    Status = "planned"
	StatusSubmitting Status = "submitting"
	StatusSucceeded  Status = "succeeded"
	StatusConflict   Status = "conflict"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// RemoteResource is the observed state of a remote resource.
type RemoteResource struct {
	// Name is the resource name, matching the descriptor that
	// created it.
	Name string

	// Kind is the resource shape.
	Kind plan.Kind

	// ID is the provider's resource identifier.
	ID string

	// Address is the concrete address value, for resources that
	// carry one (a provider-assigned public address).
	Address string

	// Payload is the observed desired-state projection, comparable
	// against a descriptor payload.
	Payload plan.Payload
}

// API is the remote resource-management client the reconciler drives.
// All mutating calls are long-running: implementations block until
// the provider reports completion. Absent resources are reported via
// a NotFound error from Get. Transient failures carry ErrTransient in
// their chain; conflicting writes carry ErrNameCollision.
type API interface {
	// Get reads the current remote state of the described resource.
	// The descriptor payload carries the containing resource names
	// that nested resources are addressed through.
	Get(ctx context.Context, desc plan.Descriptor) (*RemoteResource, error)

	// CreateOrUpdate drives the remote resource to the descriptor's
	// desired state and blocks until the operation completes.
	CreateOrUpdate(ctx context.Context, desc plan.Descriptor) (*RemoteResource, error)

	// Delete removes the resource recorded in the ledger, blocking
	// until done. Deleting an absent resource returns a NotFound
	// error.
	Delete(ctx context.Context, res ownership.Resource) error
}

// Applied describes one successfully reconciled resource.
type Applied struct {
	Name    string
	Kind    plan.Kind
	ID      string
	Address string
}

// Result is the outcome of a full apply pass.
type Result struct {
	// Applied lists every descriptor that reached Succeeded, in plan
	// order, with its concrete remote state.
	Applied []Applied
}

// AssignedAddresses returns the concrete address values the provider
// assigned, keyed by resource name.
func (r *Result) AssignedAddresses() map[string]string {
	addresses := make(map[string]string)
	for _, a := range r.Applied {
		if a.Address != "" {
			addresses[a.Name] = a.Address
		}
	}
	return addresses
}

// Failure describes one descriptor that could not be applied.
type Failure struct {
	Name   string
	Status Status
	Err    error
}

// PartialApplyError reports an apply pass that left some descriptors
// unreconciled. Succeeded descriptors are never rolled back: shared
// resources must not disappear as a side effect of an unrelated
// failure, so undoing a partial application is an explicit teardown
// decision for the caller.
type PartialApplyError struct {
	// Succeeded lists the descriptors applied before or alongside
	// the failure, in plan order.
	Succeeded []string

	// Failures lists the descriptors that failed, with their errors.
	Failures []Failure

	// Skipped lists descriptors not attempted because a dependency
	// failed or the pass was cancelled.
	Skipped []string
}

// Error implements error.
func (e *PartialApplyError) Error() string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Name
	}
	return fmt.Sprintf("partial apply: %d succeeded, %d failed (%s), %d skipped",
		len(e.Succeeded), len(e.Failures), strings.Join(names, ", "), len(e.Skipped))
}

// Defaults for the reconciler knobs.
const (
	DefaultProvisioningTimeout = 10 * time.Minute
	DefaultMaxAttempts         = 4
	DefaultRetryDelay          = 5 * time.Second
	DefaultMaxRetryDelay       = time.Minute
	DefaultParallelism         = 4
	DefaultCacheTTL            = 30 * time.Second
)

// Reconciler applies plans against a remote API and records ownership
// of what it created. The zero values of the tuning fields fall back
// to the package defaults.
type Reconciler struct {
	API   API
	Store *ownership.Store
	Clock clock.Clock

	// ProvisioningTimeout bounds each long-running remote operation.
	ProvisioningTimeout time.Duration

	// MaxAttempts bounds the retries of a transient remote error.
	MaxAttempts int

	// RetryDelay and MaxRetryDelay shape the exponential backoff.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// Parallelism bounds the fan-out across independent descriptors.
	Parallelism int

	// CacheTTL bounds the reuse of observed remote state within an
	// apply pass.
	CacheTTL time.Duration

	cacheMu sync.Mutex
	cache   map[string]observation

	// collectionMu serialises submissions targeting the same remote
	// document: rule-collection updates are document replaces, so a
	// last-write-wins race would silently drop rules added in
	// parallel.
	collectionMuMu sync.Mutex
	collectionMu   map[string]*sync.Mutex
}

type observation struct {
	resource *RemoteResource // nil records an observed absence
	at       time.Time
}

func (r *Reconciler) clock() clock.Clock {
	if r.Clock != nil {
		return r.Clock
	}
	return clock.WallClock
}

func (r *Reconciler) provisioningTimeout() time.Duration {
	if r.ProvisioningTimeout > 0 {
		return r.ProvisioningTimeout
	}
	return DefaultProvisioningTimeout
}

func (r *Reconciler) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (r *Reconciler) retryDelay() time.Duration {
	if r.RetryDelay > 0 {
		return r.RetryDelay
	}
	return DefaultRetryDelay
}

func (r *Reconciler) maxRetryDelay() time.Duration {
	if r.MaxRetryDelay > 0 {
		return r.MaxRetryDelay
	}
	return DefaultMaxRetryDelay
}

func (r *Reconciler) parallelism() int {
	if r.Parallelism > 0 {
		return r.Parallelism
	}
	return DefaultParallelism
}

func (r *Reconciler) cacheTTL() time.Duration {
	if r.CacheTTL > 0 {
		return r.CacheTTL
	}
	return DefaultCacheTTL
}

// OwnerFunc assigns each descriptor to the logical owners recorded in
// the ledger. A shared resource lists every owner that caused it to
// exist: the teardown planner deletes it only when the last
// referencing owner is removed.
type OwnerFunc func(plan.Descriptor) []string

// Apply drives the remote state towards the plan. It blocks until
// every descriptor is reconciled or has failed; cancelling the
// context stops new submissions immediately but lets already
// dispatched operations run to completion, since aborting an
// in-flight provider operation leaves the resource in an undefined
// state.
//
// Applying the same plan twice is a no-op the second time: matching
// remote state is skipped, absent state is created, differing but
// compatible state is updated. Incompatible state fails fast with
// ErrNameCollision.
func (r *Reconciler) Apply(ctx context.Context, p *plan.Plan, ownerOf OwnerFunc) (*Result, error) {
	descs := p.Descriptors()
	logger.Infof("applying %s", p)

	statuses := make(map[string]Status, len(descs))
	for _, d := range descs {
		statuses[d.Name] = StatusPlanned
	}

	var (
		mu       sync.Mutex
		applied  = make(map[string]Applied)
		failures []Failure
	)
	for _, level := range levels(descs) {
		var wg sync.WaitGroup
		sem := make(chan struct{}, r.parallelism())
		for _, desc := range level {
			mu.Lock()
			blocked := ""
			for _, dep := range desc.DependsOn {
				if s := statuses[dep]; s != StatusSucceeded {
					blocked = dep
					break
				}
			}
			cancelled := ctx.Err() != nil
			if blocked != "" || cancelled {
				statuses[desc.Name] = StatusSkipped
				mu.Unlock()
				if cancelled {
					logger.Debugf("skipping %q: apply cancelled", desc.Name)
				} else {
					logger.Debugf("skipping %q: dependency %q unreconciled", desc.Name, blocked)
				}
				continue
			}
			statuses[desc.Name] = StatusSubmitting
			mu.Unlock()

			wg.Add(1)
			sem <- struct{}{}
			go func(desc plan.Descriptor) {
				defer wg.Done()
				defer func() { <-sem }()
				result, err := r.reconcileOne(ctx, desc)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					statuses[desc.Name] = StatusSucceeded
					applied[desc.Name] = *result
				case errors.Is(err, ErrNameCollision):
					statuses[desc.Name] = StatusConflict
					failures = append(failures, Failure{Name: desc.Name, Status: StatusConflict, Err: err})
				default:
					statuses[desc.Name] = StatusFailed
					failures = append(failures, Failure{Name: desc.Name, Status: StatusFailed, Err: err})
				}
			}(desc)
		}
		wg.Wait()
	}

	result := &Result{}
	var succeeded []string
	var skipped []string
	for _, desc := range descs {
		switch statuses[desc.Name] {
		case StatusSucceeded:
			succeeded = append(succeeded, desc.Name)
			result.Applied = append(result.Applied, applied[desc.Name])
		case StatusSkipped:
			skipped = append(skipped, desc.Name)
		}
	}

	if err := r.recordOwnership(descs, statuses, ownerOf); err != nil {
		return nil, errors.Annotate(err, "updating ownership ledger")
	}

	if len(failures) > 0 || len(skipped) > 0 {
		return result, &PartialApplyError{
			Succeeded: succeeded,
			Failures:  failures,
			Skipped:   skipped,
		}
	}
	return result, nil
}

// levels groups descriptors by dependency depth: everything in level
// n only depends on levels before n, so a whole level can be
// submitted concurrently once the previous one is done.
func levels(descs []plan.Descriptor) [][]plan.Descriptor {
	depth := make(map[string]int, len(descs))
	var grouped [][]plan.Descriptor
	for _, desc := range descs {
		d := 0
		for _, dep := range desc.DependsOn {
			if depDepth := depth[dep] + 1; depDepth > d {
				d = depDepth
			}
		}
		depth[desc.Name] = d
		for len(grouped) <= d {
			grouped = append(grouped, nil)
		}
		grouped[d] = append(grouped[d], desc)
	}
	return grouped
}

func (r *Reconciler) reconcileOne(ctx context.Context, desc plan.Descriptor) (*Applied, error) {
	unlock := r.lockDocument(documentKey(desc))
	defer unlock()

	observed, err := r.observe(ctx, desc)
	if err != nil {
		return nil, errors.Annotatef(err, "reading remote state of %q", desc.Name)
	}
	if observed != nil {
		if observed.Payload != nil && observed.Payload.Equal(desc.Payload) {
			logger.Debugf("%q already matches desired state", desc.Name)
			return &Applied{
				Name:    desc.Name,
				Kind:    desc.Kind,
				ID:      observed.ID,
				Address: observed.Address,
			}, nil
		}
		if !compatible(desc.Payload, observed.Payload) {
			return nil, fmt.Errorf(
				"%q exists with incompatible configuration%w",
				desc.Name, errors.Hide(ErrNameCollision))
		}
		logger.Debugf("%q exists with differing state, updating", desc.Name)
	}

	resource, err := r.submit(ctx, desc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.cacheStore(desc.Kind, desc.Name, resource)
	return &Applied{
		Name:    desc.Name,
		Kind:    desc.Kind,
		ID:      resource.ID,
		Address: resource.Address,
	}, nil
}

// compatible reports whether the observed remote state may be updated
// towards the desired payload. State created for a different workload
// is never updated; that is another owner's resource.
func compatible(desired, observed plan.Payload) bool {
	if observed == nil {
		return false
	}
	if identityOf(desired) != identityOf(observed) {
		return false
	}
	return true
}

// identityOf extracts the owning workload baked into a payload, or ""
// for shared resource shapes that any owner may update.
func identityOf(p plan.Payload) string {
	switch payload := p.(type) {
	case plan.PublicAddressPayload:
		return payload.Workload
	case plan.NATRulePayload:
		return payload.Workload
	case plan.NetworkRulePayload:
		return payload.Workload
	case plan.BackendPoolPayload:
		return payload.Workload
	default:
		return ""
	}
}

// submit runs the long-running create/update with transient-error
// backoff and the provisioning timeout. The operation context is
// detached from the caller's cancellation: once dispatched, a remote
// operation is left to finish.
func (r *Reconciler) submit(ctx context.Context, desc plan.Descriptor) (*RemoteResource, error) {
	var resource *RemoteResource
	err := r.retryTransient(ctx, fmt.Sprintf("create %q", desc.Name), func() error {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.provisioningTimeout())
		defer cancel()
		var err error
		resource, err = r.API.CreateOrUpdate(opCtx, desc)
		if err != nil && opCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("creating %q after %v%w",
				desc.Name, r.provisioningTimeout(), errors.Hide(ErrProvisioningTimeout))
		}
		return err
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return resource, nil
}

// retryTransient retries f with doubling backoff while it fails with
// ErrTransient, up to the bounded attempt count. Anything else is
// fatal immediately.
func (r *Reconciler) retryTransient(ctx context.Context, what string, f func() error) error {
	return retry.Call(retry.CallArgs{
		Func: f,
		IsFatalError: func(err error) bool {
			return !errors.Is(err, ErrTransient)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("%s attempt %d: %v", what, attempt, err)
		},
		Attempts:    r.maxAttempts(),
		Delay:       r.retryDelay(),
		MaxDelay:    r.maxRetryDelay(),
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.clock(),
		Stop:        ctx.Done(),
	})
}

// observe reads remote state through the time-boxed cache. A nil
// result with nil error records an observed absence.
func (r *Reconciler) observe(ctx context.Context, desc plan.Descriptor) (*RemoteResource, error) {
	key := string(desc.Kind) + "/" + desc.Name
	now := r.clock().Now()

	r.cacheMu.Lock()
	if entry, ok := r.cache[key]; ok && now.Sub(entry.at) < r.cacheTTL() {
		r.cacheMu.Unlock()
		return entry.resource, nil
	}
	r.cacheMu.Unlock()

	var resource *RemoteResource
	err := r.retryTransient(ctx, fmt.Sprintf("read %q", desc.Name), func() error {
		var err error
		resource, err = r.API.Get(ctx, desc)
		if errors.Is(err, errors.NotFound) {
			resource = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.cacheStore(desc.Kind, desc.Name, resource)
	return resource, nil
}

func (r *Reconciler) cacheStore(kind plan.Kind, name string, resource *RemoteResource) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.cache == nil {
		r.cache = make(map[string]observation)
	}
	r.cache[string(kind)+"/"+name] = observation{resource: resource, at: r.clock().Now()}
}

// documentKey names the remote document a descriptor's submission
// replaces. Firewall rules and collections are all written through
// the one firewall document, as are the sub-resources of one load
// balancer; everything else stands alone.
func documentKey(desc plan.Descriptor) string {
	switch payload := desc.Payload.(type) {
	case plan.NATRulePayload:
		return "firewall/" + payload.Firewall
	case plan.NetworkRulePayload:
		return "firewall/" + payload.Firewall
	case plan.RuleCollectionPayload:
		return "firewall/" + payload.Firewall
	case plan.HealthProbePayload:
		return "loadbalancer/" + payload.LoadBalancer
	case plan.LoadBalancingRulePayload:
		return "loadbalancer/" + payload.LoadBalancer
	case plan.BackendPoolPayload:
		return "loadbalancer/" + payload.LoadBalancer
	default:
		return "resource/" + desc.Name
	}
}

// scopeOf names the containing resources a nested resource is
// addressed through, outermost first. Top-level resources have no
// scope. The scope is persisted with the ownership record so teardown
// can address the resource without the original plan.
func scopeOf(desc plan.Descriptor) []string {
	switch payload := desc.Payload.(type) {
	case plan.SubnetPayload:
		return []string{payload.VirtualNetwork}
	case plan.RuleCollectionPayload:
		return []string{payload.Firewall}
	case plan.NATRulePayload:
		return []string{payload.Firewall, payload.Collection}
	case plan.NetworkRulePayload:
		return []string{payload.Firewall, payload.Collection}
	case plan.BackendPoolPayload:
		return []string{payload.LoadBalancer}
	case plan.HealthProbePayload:
		return []string{payload.LoadBalancer}
	case plan.LoadBalancingRulePayload:
		return []string{payload.LoadBalancer}
	default:
		return nil
	}
}

func (r *Reconciler) lockDocument(key string) func() {
	r.collectionMuMu.Lock()
	if r.collectionMu == nil {
		r.collectionMu = make(map[string]*sync.Mutex)
	}
	mu, ok := r.collectionMu[key]
	if !ok {
		mu = &sync.Mutex{}
		r.collectionMu[key] = mu
	}
	r.collectionMuMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// recordOwnership writes every succeeded descriptor into its owner's
// ledger record. Failed and skipped descriptors are not recorded;
// they do not exist remotely, or existed already under another owner.
func (r *Reconciler) recordOwnership(descs []plan.Descriptor, statuses map[string]Status, ownerOf OwnerFunc) error {
	if r.Store == nil || ownerOf == nil {
		return nil
	}
	byOwner := make(map[string][]ownership.Resource)
	var owners []string
	for _, desc := range descs {
		if statuses[desc.Name] != StatusSucceeded {
			continue
		}
		for _, owner := range ownerOf(desc) {
			if _, ok := byOwner[owner]; !ok {
				owners = append(owners, owner)
			}
			byOwner[owner] = append(byOwner[owner], ownership.Resource{
				Name:      desc.Name,
				Kind:      string(desc.Kind),
				Scope:     scopeOf(desc),
				DependsOn: desc.DependsOn,
			})
		}
	}
	for _, owner := range owners {
		resources := byOwner[owner]
		err := r.Store.Update(owner, func(record *ownership.Record) {
			for _, res := range resources {
				record.AddResource(res)
			}
		})
		if err != nil {
			return errors.Annotatef(err, "recording ownership for %q", owner)
		}
	}
	return nil
}
