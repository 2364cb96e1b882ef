// Package apps tracks the per-application install lifecycle during an
// enrollment session: state machine, dependency cascade, ignore list.
package apps

import (
	"sort"

	"go.uber.org/zap"

	"github.com/fleetkit/enrolltrack/internal/domain"
)

// maxCascadeDepth bounds the dependency traversal. Dependency data is
// not guaranteed acyclic; a visited set stops cycles and the depth bound
// stops pathological chains.
const maxCascadeDepth = 10

// minDownloadBytes filters phantom near-zero downloads: a transition
// into Downloading reporting a total below this is noise, not activity.
const minDownloadBytes = 1024

// Registry is the ordered collection of tracked app packages for one
// enrollment session. It is not internally locked: the orchestrator
// serializes all access (poll loop and summary timer).
type Registry struct {
	packages map[string]*domain.AppPackage
	order    []string
	ignored  map[string]struct{}
	current  string

	// errorsFirst is the presentation hint toggled once all required
	// packages are terminal. Instance field, never a global: avoids
	// cross-session leakage if multiple sessions run in one process.
	errorsFirst bool

	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		packages: make(map[string]*domain.AppPackage),
		ignored:  make(map[string]struct{}),
		logger:   logger,
	}
}

// Track registers a package discovered via policy. Ignored ids are never
// materialized. Re-tracking an existing id updates its metadata without
// touching install state.
func (r *Registry) Track(pkg domain.AppPackage) *domain.AppPackage {
	if _, skip := r.ignored[pkg.ID]; skip {
		return nil
	}

	if existing, ok := r.packages[pkg.ID]; ok {
		existing.Name = pkg.Name
		existing.Intent = pkg.Intent
		existing.Targeted = pkg.Targeted
		if pkg.RunAs != domain.RunAsUnknown {
			existing.RunAs = pkg.RunAs
		}
		if len(pkg.DependsOn) > 0 {
			existing.DependsOn = pkg.DependsOn
		}
		return existing
	}

	p := pkg
	p.Position = len(r.order)
	if p.State == "" {
		p.State = domain.StateUnknown
	}
	if p.RunAs == "" {
		p.RunAs = domain.RunAsUnknown
	}
	r.packages[p.ID] = &p
	r.order = append(r.order, p.ID)
	return &p
}

// ensure materializes a package on first reference from a rule match
// that precedes policy discovery. Returns nil for ignored ids.
func (r *Registry) ensure(id, name string) *domain.AppPackage {
	if id == "" {
		return nil
	}
	if _, skip := r.ignored[id]; skip {
		return nil
	}
	if p, ok := r.packages[id]; ok {
		if name != "" && p.Name == "" {
			p.Name = name
		}
		return p
	}
	return r.Track(domain.AppPackage{ID: id, Name: name, Targeted: true, State: domain.StateUnknown})
}

// Ignore adds an id to the ignore list and drops any tracked entry for
// it. Ignored packages are never materialized again this session.
func (r *Registry) Ignore(id string) {
	if id == "" {
		return
	}
	r.ignored[id] = struct{}{}
	if _, ok := r.packages[id]; ok {
		delete(r.packages, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		if r.current == id {
			r.current = ""
		}
	}
}

// IsIgnored reports whether an id is on the ignore list.
func (r *Registry) IsIgnored(id string) bool {
	_, ok := r.ignored[id]
	return ok
}

// SetCurrent records the package the agent is currently working on.
func (r *Registry) SetCurrent(id string) {
	r.current = id
}

// Current returns the id of the package the agent is working on.
func (r *Registry) Current() string {
	return r.current
}

// Get returns a tracked package, or nil.
func (r *Registry) Get(id string) *domain.AppPackage {
	return r.packages[id]
}

// SetDependency records that id depends on dep.
func (r *Registry) SetDependency(id, dep string) {
	p := r.ensure(id, "")
	if p == nil || dep == "" {
		return
	}
	for _, existing := range p.DependsOn {
		if existing == dep {
			return
		}
	}
	p.DependsOn = append(p.DependsOn, dep)
}

// StartDownloading transitions a package into Downloading. Returns
// (started, accepted): started is true only on first entry into
// Downloading; accepted is false when the update was rejected (terminal
// state, ignored id, or a phantom sub-1KB download).
func (r *Registry) StartDownloading(id, name string, downloaded, total int64) (started, accepted bool) {
	p := r.ensure(id, name)
	if p == nil || p.State.Terminal() {
		return false, false
	}
	if total < minDownloadBytes {
		return false, false
	}

	started = p.State != domain.StateDownloading
	p.State = domain.StateDownloading
	p.BytesDownloaded = downloaded
	p.BytesTotal = total
	if total > 0 {
		p.ProgressPercent = int(downloaded * 100 / total)
	}
	p.ActivitySeen = true
	r.refresh()
	return started, true
}

// UpdateProgress records download progress without a state transition.
func (r *Registry) UpdateProgress(id string, percent int, downloaded, total int64) bool {
	p := r.packages[id]
	if p == nil || p.State.Terminal() {
		return false
	}
	p.ProgressPercent = percent
	if downloaded > 0 {
		p.BytesDownloaded = downloaded
	}
	if total > 0 {
		p.BytesTotal = total
	}
	p.ActivitySeen = true
	return true
}

// StartInstalling transitions a package into Installing.
func (r *Registry) StartInstalling(id string) bool {
	p := r.ensure(id, "")
	if p == nil || p.State.Terminal() {
		return false
	}
	p.State = domain.StateInstalling
	p.ActivitySeen = true
	r.refresh()
	return true
}

// Finish moves a package into a terminal state. Terminal states are
// monotonic: a second transition is rejected. Entering Error or
// Postponed cascades the same state to all transitive dependents; the
// returned slice holds the ids forced by the cascade, in traversal
// order, excluding id itself.
func (r *Registry) Finish(id string, state domain.InstallState) (cascaded []string, accepted bool) {
	if !state.Terminal() {
		return nil, false
	}
	p := r.ensure(id, "")
	if p == nil || p.State.Terminal() {
		return nil, false
	}
	p.State = state
	p.ActivitySeen = true
	if state == domain.StateInstalled {
		p.ProgressPercent = 100
	}

	if state == domain.StateError || state == domain.StatePostponed {
		visited := map[string]struct{}{id: {}}
		cascaded = r.cascade(id, state, 1, visited)
	}

	r.refresh()
	return cascaded, true
}

// cascade forces the failed state onto every package that transitively
// depends on failedID. Traversal is depth-bounded; exhausting the bound
// logs a warning and returns the partial result rather than looping.
func (r *Registry) cascade(failedID string, state domain.InstallState, depth int, visited map[string]struct{}) []string {
	if depth > maxCascadeDepth {
		r.logger.Warn("dependency cascade depth limit reached",
			zap.String("app", failedID),
			zap.Int("limit", maxCascadeDepth))
		return nil
	}

	var forced []string
	for _, oid := range r.order {
		p := r.packages[oid]
		if p == nil {
			continue
		}
		if _, seen := visited[p.ID]; seen {
			continue
		}
		if !dependsOn(p, failedID) {
			continue
		}
		visited[p.ID] = struct{}{}
		if !p.State.Terminal() {
			p.State = state
			forced = append(forced, p.ID)
		}
		forced = append(forced, r.cascade(p.ID, state, depth+1, visited)...)
	}
	return forced
}

func dependsOn(p *domain.AppPackage, id string) bool {
	for _, dep := range p.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// SkipUntouched forces packages the agent never touched into Skipped,
// once every required package is terminal. Required-only completion
// must not wait forever on optional dependency-only packages. Returns
// the ids skipped.
func (r *Registry) SkipUntouched() []string {
	if !r.requiredAllTerminal() {
		return nil
	}
	var skipped []string
	for _, oid := range r.order {
		p := r.packages[oid]
		if p.State == domain.StateUnknown && !p.Required() && !p.ActivitySeen {
			p.State = domain.StateSkipped
			skipped = append(skipped, p.ID)
		}
	}
	if len(skipped) > 0 {
		r.refresh()
	}
	return skipped
}

// IsAllCompleted reports whether every required package is terminal.
func (r *Registry) IsAllCompleted() bool {
	return r.requiredAllTerminal()
}

func (r *Registry) requiredAllTerminal() bool {
	for _, p := range r.packages {
		if p.Required() && !p.State.Terminal() {
			return false
		}
	}
	return true
}

// refresh re-evaluates the completion-derived presentation hint after
// every mutation.
func (r *Registry) refresh() {
	if len(r.packages) > 0 && r.requiredAllTerminal() {
		r.errorsFirst = true
	}
}

// CountAll returns the number of tracked packages.
func (r *Registry) CountAll() int {
	return len(r.packages)
}

// CountCompleted returns the number of packages in a terminal state.
func (r *Registry) CountCompleted() int {
	n := 0
	for _, p := range r.packages {
		if p.State.Terminal() {
			n++
		}
	}
	return n
}

// CountErrors returns the number of packages in Error state.
func (r *Registry) CountErrors() int {
	n := 0
	for _, p := range r.packages {
		if p.State == domain.StateError {
			n++
		}
	}
	return n
}

// HasError reports whether any package failed.
func (r *Registry) HasError() bool {
	return r.CountErrors() > 0
}

// Packages returns tracked packages in stable list order. Once the
// session completes, packages in Error state sort first.
func (r *Registry) Packages() []*domain.AppPackage {
	out := make([]*domain.AppPackage, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.packages[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if r.errorsFirst {
			ei := out[i].State == domain.StateError
			ej := out[j].State == domain.StateError
			if ei != ej {
				return ei
			}
		}
		return out[i].Position < out[j].Position
	})
	return out
}

// Snapshot returns copies of all tracked packages plus the ignore list,
// for persistence.
func (r *Registry) Snapshot() (packages []domain.AppPackage, ignored []string, current string) {
	for _, id := range r.order {
		packages = append(packages, *r.packages[id])
	}
	for id := range r.ignored {
		ignored = append(ignored, id)
	}
	sort.Strings(ignored)
	return packages, ignored, r.current
}

// Restore rebuilds the registry from a persisted snapshot.
func (r *Registry) Restore(packages []domain.AppPackage, ignored []string, current string) {
	r.packages = make(map[string]*domain.AppPackage, len(packages))
	r.order = r.order[:0]
	r.ignored = make(map[string]struct{}, len(ignored))
	for _, id := range ignored {
		r.ignored[id] = struct{}{}
	}
	sort.SliceStable(packages, func(i, j int) bool {
		return packages[i].Position < packages[j].Position
	})
	for i := range packages {
		p := packages[i]
		r.packages[p.ID] = &p
		r.order = append(r.order, p.ID)
	}
	r.current = current
	r.errorsFirst = false
	r.refresh()
}
