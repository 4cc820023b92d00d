// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ownership persists the association between a logical owner
// (a workload, a firewall, or a public address) and the resources it
// caused to exist. The ledger is the orchestrator's only durable
// state; it is written by the reconciler on successful apply and
// consumed by the teardown planner to drive shared-resource-aware
// deletion.
//
// Each owner is stored as one YAML file under the ledger directory,
// written atomically and guarded by a per-owner machine-wide mutex, so
// concurrent apply and teardown calls for different owners never block
// each other while calls for the same owner are serialised.
package ownership

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/mutex/v2"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"
)

var logger = loggo.GetLogger("netexpose.ownership")

// Resource is one remote resource listed in an ownership record. The
// recorded dependency edges preserve the creation order, so teardown
// can delete in exact reverse order without consulting the remote API.
type Resource struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// Scope names the containing resources a nested resource is
	// addressed through, outermost first: the virtual network for a
	// subnet, the firewall and collection for a rule.
	Scope []string `yaml:"scope,omitempty,flow"`

	DependsOn []string `yaml:"depends-on,omitempty"`
}

// Record is the durable ledger entry for one owner.
type Record struct {
	// ID is assigned when the record is first created.
	ID string `yaml:"id"`

	// Owner is the logical owner the resources belong to.
	Owner string `yaml:"owner"`

	// Resources are the resources the owner caused to exist.
	Resources []Resource `yaml:"resources"`
}

// Contains reports whether the record lists the named resource.
func (r Record) Contains(name string) bool {
	for _, res := range r.Resources {
		if res.Name == name {
			return true
		}
	}
	return false
}

// AddResource appends the resource unless it is already listed.
func (r *Record) AddResource(res Resource) {
	if r.Contains(res.Name) {
		return
	}
	r.Resources = append(r.Resources, res)
}

// RemoveResource drops the named resource from the record.
func (r *Record) RemoveResource(name string) {
	kept := r.Resources[:0]
	for _, res := range r.Resources {
		if res.Name != name {
			kept = append(kept, res)
		}
	}
	r.Resources = kept
}

// Store is a file-backed ownership ledger rooted at a directory.
type Store struct {
	dir   string
	clock clock.Clock
}

// mutexTimeout bounds how long an owner mutex acquisition may wait
// behind a concurrent apply or teardown of the same owner.
const mutexTimeout = time.Minute

// NewStore returns a ledger store rooted at dir, creating the
// directory if necessary.
func NewStore(dir string, clk clock.Clock) (*Store, error) {
	if dir == "" {
		return nil, errors.NotValidf("empty ledger directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Annotate(err, "creating ledger directory")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{dir: dir, clock: clk}, nil
}

func (s *Store) ownerPath(owner string) string {
	// Owner names come from user flags; hash them onto a fixed,
	// filesystem-safe form.
	return filepath.Join(s.dir, fmt.Sprintf("owner-%s.yaml", shortHash(owner)))
}

func shortHash(owner string) string {
	digest := sha256.Sum256([]byte(owner))
	return fmt.Sprintf("%x", digest)[:12]
}

func (s *Store) acquire(owner string) (mutex.Releaser, error) {
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    "netexpose-" + shortHash(owner),
		Clock:   s.clock,
		Delay:   100 * time.Millisecond,
		Timeout: mutexTimeout,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "acquiring ledger lock for owner %q", owner)
	}
	return releaser, nil
}

func (s *Store) read(owner string) (Record, error) {
	data, err := os.ReadFile(s.ownerPath(owner))
	if os.IsNotExist(err) {
		return Record{}, errors.NotFoundf("ownership record for %q", owner)
	} else if err != nil {
		return Record{}, errors.Trace(err)
	}
	var record Record
	if err := yaml.Unmarshal(data, &record); err != nil {
		return Record{}, errors.Annotatef(err, "parsing ownership record for %q", owner)
	}
	return record, nil
}

func (s *Store) write(record Record) error {
	data, err := yaml.Marshal(record)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(utils.AtomicWriteFile(s.ownerPath(record.Owner), data, 0600))
}

// Record returns the ledger entry for the owner, or a NotFound error.
func (s *Store) Record(owner string) (Record, error) {
	releaser, err := s.acquire(owner)
	if err != nil {
		return Record{}, errors.Trace(err)
	}
	defer releaser.Release()
	return s.read(owner)
}

// Update applies fn to the owner's record under the owner lock,
// creating the record if it does not exist yet, and persists the
// result atomically.
func (s *Store) Update(owner string, fn func(*Record)) error {
	releaser, err := s.acquire(owner)
	if err != nil {
		return errors.Trace(err)
	}
	defer releaser.Release()

	record, err := s.read(owner)
	if errors.Is(err, errors.NotFound) {
		record = Record{ID: uuid.NewString(), Owner: owner}
	} else if err != nil {
		return errors.Trace(err)
	}
	fn(&record)
	if len(record.Resources) == 0 {
		// An owner without resources has nothing left to tear down.
		logger.Debugf("pruning empty ownership record for %q", owner)
		return errors.Trace(s.removeFile(owner))
	}
	return errors.Trace(s.write(record))
}

// Remove deletes the owner's record. Removing an absent record is not
// an error.
func (s *Store) Remove(owner string) error {
	releaser, err := s.acquire(owner)
	if err != nil {
		return errors.Trace(err)
	}
	defer releaser.Release()
	return errors.Trace(s.removeFile(owner))
}

func (s *Store) removeFile(owner string) error {
	err := os.Remove(s.ownerPath(owner))
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}

// Owners lists every owner with a ledger entry.
func (s *Store) Owners() ([]string, error) {
	records, err := s.allRecords()
	if err != nil {
		return nil, errors.Trace(err)
	}
	owners := make([]string, 0, len(records))
	for _, record := range records {
		owners = append(owners, record.Owner)
	}
	return owners, nil
}

// ReferencingOwners returns the owners whose records list the named
// resource. The teardown planner uses this to keep shared resources
// alive until the last referencing owner is removed.
func (s *Store) ReferencingOwners(resource string) (set.Strings, error) {
	records, err := s.allRecords()
	if err != nil {
		return nil, errors.Trace(err)
	}
	owners := set.NewStrings()
	for _, record := range records {
		if record.Contains(resource) {
			owners.Add(record.Owner)
		}
	}
	return owners, nil
}

func (s *Store) allRecords() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, errors.Trace(err)
		}
		var record Record
		if err := yaml.Unmarshal(data, &record); err != nil {
			return nil, errors.Annotatef(err, "parsing ledger file %q", entry.Name())
		}
		records = append(records, record)
	}
	return records, nil
}
