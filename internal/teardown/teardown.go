// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package teardown computes and executes the cascading deletion of
// the resources an owner caused to exist. Resources are deleted in
// reverse dependency order, shared resources survive until their last
// referencing owner is removed, and deleting an already-missing
// remote resource counts as success.
package teardown

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/netexpose/internal/ownership"
	"github.com/juju/netexpose/internal/reconcile"
)

var logger = loggo.GetLogger("netexpose.teardown")

// Failure describes one resource that could not be deleted.
type Failure struct {
	Name string
	Err  error
}

// Result is the outcome of one teardown pass.
type Result struct {
	// Deleted lists the resources removed from the provider.
	Deleted []string

	// Kept lists shared resources left in place because another
	// owner still references them. The departing owner's reference
	// is dropped, so the last owner's teardown deletes them.
	Kept []string

	// Skipped lists resources left untouched because a recorded
	// dependent could not be deleted first, or the pass was
	// cancelled. They stay in the ledger for a retry.
	Skipped []string

	// Failures lists the resources whose deletion failed.
	Failures []Failure
}

// PartialTeardownError reports a teardown pass that could not delete
// everything. Independent siblings are still deleted; only the failed
// resources and their recorded dependencies remain.
type PartialTeardownError struct {
	Result *Result
}

// Error implements error.
func (e *PartialTeardownError) Error() string {
	names := make([]string, len(e.Result.Failures))
	for i, f := range e.Result.Failures {
		names[i] = f.Name
	}
	return fmt.Sprintf("partial teardown: %d deleted, %d failed (%s), %d skipped",
		len(e.Result.Deleted), len(e.Result.Failures), strings.Join(names, ", "), len(e.Result.Skipped))
}

// Teardown removes the resources owned by a single logical owner.
type Teardown struct {
	API   reconcile.API
	Store *ownership.Store
}

// Plan returns the resources a teardown of the owner would delete, in
// deletion order, without touching the remote API. Resources still
// referenced by another owner are excluded.
func (t *Teardown) Plan(owner string) ([]ownership.Resource, error) {
	record, err := t.Store.Record(owner)
	if errors.Is(err, errors.NotFound) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var doomed []ownership.Resource
	for _, res := range reverse(record.Resources) {
		shared, err := t.sharedWith(owner, res.Name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !shared {
			doomed = append(doomed, res)
		}
	}
	return doomed, nil
}

// Run tears the owner down. It blocks until every deletion has been
// attempted; cancelling the context stops issuing new deletions but
// leaves dispatched ones to finish. A missing ledger record is a
// no-op: tearing down twice is safe.
func (t *Teardown) Run(ctx context.Context, owner string) (*Result, error) {
	record, err := t.Store.Record(owner)
	if errors.Is(err, errors.NotFound) {
		logger.Debugf("no ownership record for %q, nothing to tear down", owner)
		return &Result{}, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	// The record preserves creation order, so walking it backwards
	// deletes rules before collections, collections before route
	// tables, subnets before virtual networks.
	resources := reverse(record.Resources)

	// dependentsOf records, for every resource, the owner's other
	// resources that must go first.
	dependentsOf := make(map[string][]string)
	for _, res := range resources {
		for _, dep := range res.DependsOn {
			dependentsOf[dep] = append(dependentsOf[dep], res.Name)
		}
	}

	result := &Result{}
	gone := set.NewStrings()
	blocked := set.NewStrings()
	for _, res := range resources {
		shared, err := t.sharedWith(owner, res.Name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if shared {
			logger.Debugf("keeping %q: still referenced by another owner", res.Name)
			result.Kept = append(result.Kept, res.Name)
			gone.Add(res.Name) // gone from this owner's point of view
			continue
		}
		if ctx.Err() != nil {
			result.Skipped = append(result.Skipped, res.Name)
			blocked.Add(res.Name)
			continue
		}
		if dependent := firstRemaining(dependentsOf[res.Name], gone); dependent != "" {
			logger.Debugf("skipping %q: dependent %q still present", res.Name, dependent)
			result.Skipped = append(result.Skipped, res.Name)
			blocked.Add(res.Name)
			continue
		}

		err = t.API.Delete(ctx, res)
		switch {
		case err == nil, errors.Is(err, errors.NotFound):
			// Deleting what is already gone is success.
			result.Deleted = append(result.Deleted, res.Name)
			gone.Add(res.Name)
		default:
			logger.Warningf("deleting %q: %v", res.Name, err)
			result.Failures = append(result.Failures, Failure{Name: res.Name, Err: err})
			blocked.Add(res.Name)
		}
	}

	// Drop the deleted and no-longer-referenced entries; anything
	// that failed or was skipped stays recorded for a later retry.
	err = t.Store.Update(owner, func(r *ownership.Record) {
		for _, name := range result.Deleted {
			r.RemoveResource(name)
		}
		for _, name := range result.Kept {
			r.RemoveResource(name)
		}
	})
	if err != nil {
		return nil, errors.Annotatef(err, "updating ownership ledger for %q", owner)
	}

	if len(result.Failures) > 0 || len(result.Skipped) > 0 {
		return result, &PartialTeardownError{Result: result}
	}
	return result, nil
}

// sharedWith reports whether any owner other than the departing one
// still references the resource.
func (t *Teardown) sharedWith(owner, resource string) (bool, error) {
	refs, err := t.Store.ReferencingOwners(resource)
	if err != nil {
		return false, errors.Trace(err)
	}
	refs.Remove(owner)
	return !refs.IsEmpty(), nil
}

func firstRemaining(names []string, gone set.Strings) string {
	for _, name := range names {
		if !gone.Contains(name) {
			return name
		}
	}
	return ""
}

func reverse(resources []ownership.Resource) []ownership.Resource {
	reversed := make([]ownership.Resource, len(resources))
	for i, res := range resources {
		reversed[len(resources)-1-i] = res
	}
	return reversed
}
