/*
Package aggregator implements C4, the recursive container dispatcher
("aggregating signer"): given a flat list of files, it recurses
post-order into nested containers across three strictly ordered passes,
then dispatches every file in its own input list to whichever leaf
signer claims it. The worker-pool concurrency for "open/save/dispose in
parallel" and "leaf-signer groups run in parallel" is internal/parallel's
Executor/Map/ForEach, reused from the teacher's build-pipeline
concurrency primitive.
*/
package aggregator

import (
	"context"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/log"

	"github.com/oarkflow/codesign/internal/config"
	"github.com/oarkflow/codesign/internal/container"
	"github.com/oarkflow/codesign/internal/fileref"
	"github.com/oarkflow/codesign/internal/match"
	"github.com/oarkflow/codesign/internal/parallel"
	"github.com/oarkflow/codesign/internal/probe"
	"github.com/oarkflow/codesign/internal/sigerr"
	"github.com/oarkflow/codesign/internal/signer"
	"github.com/oarkflow/codesign/internal/signresult"
	"github.com/oarkflow/codesign/internal/tmpl"
)

// Aggregator is the C4 recursive dispatcher.
type Aggregator struct {
	containers *container.Provider
	registry   *signer.Registry
	results    *signresult.Manager
	tctx       *tmpl.Context
	cert       config.Certificate
	workers    int
}

// New builds an Aggregator. workers <= 0 defaults to runtime.NumCPU().
func New(containers *container.Provider, registry *signer.Registry, results *signresult.Manager, tctx *tmpl.Context, cert config.Certificate, workers int) *Aggregator {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Aggregator{
		containers: containers,
		registry:   registry,
		results:    results,
		tctx:       tctx,
		cert:       cert,
		workers:    workers,
	}
}

// CanSign reports whether the aggregator would do anything useful with
// ref: either a specifically-registered leaf signer claims it, or its
// extension is one of the generic-archive-family extensions the
// dispatcher itself recognizes as a container (spec §4.4.1).
func (a *Aggregator) CanSign(ref fileref.Ref) bool {
	if _, ok := a.registry.ClaimSpecific(ref); ok {
		return true
	}
	return ref.HasExt(".zip", ".appxupload", ".msixupload")
}

// CopySigningDependencies delegates to every leaf signer whose CanSign
// claims ref (spec §4.4.4), each writing into its own subdirectory of
// destDir so that two claiming signers can never collide on a path.
func (a *Aggregator) CopySigningDependencies(ref fileref.Ref, destDir string, opts config.Options) error {
	claimed := a.registry.ClaimAll(ref)
	if len(claimed) == 0 && probe.IsPortableExecutable(ref.Path) {
		claimed = []signer.Leaf{a.registry.Default()}
	}
	for _, s := range claimed {
		sub := filepath.Join(destDir, s.Name())
		if err := s.CopySigningDependencies(ref, sub, opts); err != nil {
			return sigerr.NewSigningError("signer "+s.Name()+" failed to copy signing dependencies for "+ref.Path, err)
		}
	}
	return nil
}

// passSpec describes one of the three ordered recursion passes.
type passSpec struct {
	name      signresult.Pass
	predicate func(*container.Provider, fileref.Ref) bool
	selection func(*container.Container, config.Options) ([]fileref.Ref, error)
	saveIf    func(collected []fileref.Ref) bool
}

var passes = []passSpec{
	{
		name: signresult.PassGenericArchive,
		predicate: func(p *container.Provider, ref fileref.Ref) bool {
			return p.IsZipContainer(ref) || p.IsNuGetContainer(ref)
		},
		selection: selectWithMatchers,
		saveIf:    func(collected []fileref.Ref) bool { return len(collected) > 0 },
	},
	{
		name: signresult.PassApplicationPackage,
		predicate: func(p *container.Provider, ref fileref.Ref) bool {
			return p.IsAppxContainer(ref)
		},
		selection: selectWithMatchers,
		saveIf:    func(collected []fileref.Ref) bool { return true },
	},
	{
		name: signresult.PassApplicationBundle,
		predicate: func(p *container.Provider, ref fileref.Ref) bool {
			return p.IsAppxBundleContainer(ref)
		},
		selection: selectBundleMembers,
		saveIf:    func(collected []fileref.Ref) bool { return len(collected) > 0 },
	},
}

func selectWithMatchers(c *container.Container, opts config.Options) ([]fileref.Ref, error) {
	if len(opts.Matcher) == 0 && len(opts.AntiMatcher) == 0 {
		return c.GetFiles()
	}

	var included []fileref.Ref
	var err error
	if len(opts.Matcher) == 0 {
		included, err = c.GetFiles()
	} else {
		included, err = c.GetFiles(match.NewSet(opts.Matcher...))
	}
	if err != nil {
		return nil, err
	}

	if len(opts.AntiMatcher) > 0 {
		excluded, err := c.GetFiles(match.NewSet(opts.AntiMatcher...))
		if err != nil {
			return nil, err
		}
		included = subtractByPath(included, excluded)
	}
	return included, nil
}

// bundleMemberMatcher is hardcoded per spec §4.4.2: a bundle's children
// are atomic units, not arbitrary payloads, so the caller's
// matcher/antiMatcher never applies inside one.
var bundleMemberMatcher = match.NewSet("**/*.appx", "**/*.msix")

func selectBundleMembers(c *container.Container, _ config.Options) ([]fileref.Ref, error) {
	return c.GetFiles(bundleMemberMatcher)
}

func subtractByPath(included, excluded []fileref.Ref) []fileref.Ref {
	excl := make(map[string]struct{}, len(excluded))
	for _, r := range excluded {
		excl[r.Path] = struct{}{}
	}
	out := make([]fileref.Ref, 0, len(included))
	for _, r := range included {
		if _, ok := excl[r.Path]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// SignAsync is the top-level C4 algorithm (spec §4.4.2): three ordered
// recursion passes (if options.RecurseContainers), then the dispatch
// pass over files, always.
func (a *Aggregator) SignAsync(ctx context.Context, files []fileref.Ref, opts config.Options) error {
	if err := sigerr.FromContext(ctx); err != nil {
		return err
	}

	if opts.RecurseContainers {
		for _, spec := range passes {
			if err := a.runPass(ctx, files, opts, spec); err != nil {
				return err
			}
		}
	}

	return a.dispatch(ctx, files, opts)
}

// openedContainer tracks one container opened during a pass, so it can
// be disposed exactly once regardless of where in the pass a failure
// occurred.
type openedContainer struct {
	ref       fileref.Ref
	c         *container.Container
	collected []fileref.Ref
}

func (a *Aggregator) runPass(ctx context.Context, files []fileref.Ref, opts config.Options, spec passSpec) error {
	var candidates []fileref.Ref
	for _, f := range files {
		if spec.predicate(a.containers, f) {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	opened := make([]*openedContainer, len(candidates))
	openErrs := make([]error, len(candidates))

	_ = parallel.ForEach(ctx, candidates, a.workers, func(ctx context.Context, ref fileref.Ref) error {
		idx := indexOf(candidates, ref)
		c, err := a.containers.GetContainer(ref)
		if err != nil {
			openErrs[idx] = sigerr.NewUnknownContainerError(ref.Path, err)
			return nil
		}
		if err := c.Open(); err != nil {
			openErrs[idx] = sigerr.NewUnknownContainerError(ref.Path, err)
			return nil
		}
		collected, err := spec.selection(c, opts)
		if err != nil {
			openErrs[idx] = err
			opened[idx] = &openedContainer{ref: ref, c: c}
			return nil
		}
		opened[idx] = &openedContainer{ref: ref, c: c, collected: collected}
		return nil
	})

	// Every container opened in this pass is disposed before the pass
	// returns, success or failure (spec §3 invariant).
	defer func() {
		for _, o := range opened {
			if o != nil && o.c != nil {
				o.c.Dispose()
			}
		}
	}()

	for _, err := range openErrs {
		if err != nil {
			return err
		}
	}

	var merged []fileref.Ref
	for _, o := range opened {
		merged = append(merged, o.collected...)
	}

	if len(merged) > 0 {
		if err := a.SignAsync(ctx, merged, opts); err != nil {
			return err
		}
	}

	saveErrs := make([]error, len(opened))
	_ = parallel.ForEach(ctx, opened, a.workers, func(ctx context.Context, o *openedContainer) error {
		idx := indexOfOpened(opened, o)
		if !spec.saveIf(o.collected) {
			return nil
		}
		if err := o.c.Save(); err != nil {
			saveErrs[idx] = sigerr.NewSigningError("failed to save container "+o.ref.Path, err)
			return nil
		}
		a.results.Record(signresult.Entry{Path: o.ref.Path, Pass: spec.name, Signer: "container"})
		return nil
	})
	for _, err := range saveErrs {
		if err != nil {
			return err
		}
	}

	return nil
}

func indexOf(refs []fileref.Ref, target fileref.Ref) int {
	for i, r := range refs {
		if r.Path == target.Path {
			return i
		}
	}
	return -1
}

func indexOfOpened(list []*openedContainer, target *openedContainer) int {
	for i, o := range list {
		if o == target {
			return i
		}
	}
	return -1
}

// dispatch is the always-runs outer dispatch pass (spec §4.4.2 step 3):
// group files by the first leaf signer that claims each; files unclaimed
// but recognized as portable executables go to the designated default
// signer; everything else is silently dropped.
func (a *Aggregator) dispatch(ctx context.Context, files []fileref.Ref, opts config.Options) error {
	type group struct {
		s     signer.Leaf
		files []fileref.Ref
	}
	// Groups are built in first-seen order (not via a map, whose
	// iteration order Go deliberately randomizes) so that dispatch is
	// reproducible across runs for the same input.
	var entries []group
	index := make(map[signer.Leaf]int)
	for _, f := range files {
		var s signer.Leaf
		if claimed, ok := a.registry.ClaimSpecific(f); ok {
			s = claimed
		} else if probe.IsPortableExecutable(f.Path) {
			s = a.registry.Default()
		} else {
			log.Debug("no signer claims file, dropping", "file", f.Path)
			continue
		}
		if i, ok := index[s]; ok {
			entries[i].files = append(entries[i].files, f)
			continue
		}
		index[s] = len(entries)
		entries = append(entries, group{s: s, files: []fileref.Ref{f}})
	}

	groupErrs := make([]error, len(entries))
	_ = parallel.ForEach(ctx, indices(len(entries)), a.workers, func(ctx context.Context, i int) error {
		ge := entries[i]
		fileErrs := make([]error, len(ge.files))
		_ = parallel.ForEach(ctx, indices(len(ge.files)), a.workers, func(ctx context.Context, j int) error {
			f := ge.files[j]
			tctx := a.tctx.WithFile(f.Name(), f.Path)
			if err := ge.s.SignAsync(ctx, f, tctx, opts, a.cert); err != nil {
				fileErrs[j] = err
				return nil
			}
			a.results.Record(signresult.Entry{Path: f.Path, Pass: signresult.PassLeaf, Signer: ge.s.Name()})
			return nil
		})
		for _, err := range fileErrs {
			if err != nil {
				groupErrs[i] = sigerr.NewSigningError("leaf signer "+ge.s.Name()+" batch failed", err)
				return nil
			}
		}
		return nil
	})

	for _, err := range groupErrs {
		if err != nil {
			return err
		}
	}
	return nil
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
