package pipeline

import (
	"fmt"
	"sort"

	"content-pipeline/internal/models"
)

// Pipeline is a validated, ordered set of stages.
type Pipeline struct {
	stages []Stage
	byName map[string]int
	byFlag map[string]int
}

// New validates the stages and the flag graph they form. Every input flag
// must be the completion flag of an earlier stage, which keeps the graph
// acyclic.
func New(stages []Stage) (*Pipeline, error) {
	p := &Pipeline{
		stages: make([]Stage, 0, len(stages)),
		byName: make(map[string]int, len(stages)),
		byFlag: make(map[string]int, len(stages)),
	}
	for _, st := range stages {
		if err := st.Validate(); err != nil {
			return nil, err
		}
		if _, dup := p.byName[st.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate stage name %s", ErrInvalidStage, st.Name)
		}
		if _, dup := p.byFlag[st.CompletionFlag]; dup {
			return nil, fmt.Errorf("%w: flag %s completed by two stages", ErrInvalidStage, st.CompletionFlag)
		}
		for _, in := range st.InputFlags {
			if _, ok := p.byFlag[in]; !ok {
				return nil, fmt.Errorf("%w: stage %s depends on %s which no earlier stage completes", ErrInvalidStage, st.Name, in)
			}
		}
		for _, kind := range st.Inputs {
			if _, ok := p.producerIndex(kind); !ok {
				return nil, fmt.Errorf("%w: stage %s consumes %s which no earlier stage produces", ErrInvalidStage, st.Name, kind)
			}
		}
		p.byName[st.Name] = len(p.stages)
		p.byFlag[st.CompletionFlag] = len(p.stages)
		p.stages = append(p.stages, st)
	}
	// Transitive prerequisites must be declared so the selection predicate
	// alone enforces completion order.
	for _, st := range p.stages {
		for _, pre := range p.Prerequisites(st.CompletionFlag) {
			if !contains(st.InputFlags, pre) {
				return nil, fmt.Errorf("%w: stage %s must also require %s", ErrInvalidStage, st.Name, pre)
			}
		}
	}
	return p, nil
}

// Default builds the production pipeline.
func Default() *Pipeline {
	p, err := New(Defaults())
	if err != nil {
		panic(err)
	}
	return p
}

// Stages returns the stages in declaration order.
func (p *Pipeline) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// Stage looks a stage up by name.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	i, ok := p.byName[name]
	if !ok {
		return Stage{}, false
	}
	return p.stages[i], true
}

// ByFlag looks a stage up by its completion flag.
func (p *Pipeline) ByFlag(flag string) (Stage, bool) {
	i, ok := p.byFlag[flag]
	if !ok {
		return Stage{}, false
	}
	return p.stages[i], true
}

// Producer returns the first stage that writes the given artifact kind.
// Invalidating its flag forces every later writer to run again too.
func (p *Pipeline) Producer(kind models.ArtifactKind) (Stage, bool) {
	i, ok := p.producerIndex(kind)
	if !ok {
		return Stage{}, false
	}
	return p.stages[i], true
}

func (p *Pipeline) producerIndex(kind models.ArtifactKind) (int, bool) {
	for i := range p.stages {
		for _, out := range p.stages[i].Outputs {
			if out == kind {
				return i, true
			}
		}
	}
	return 0, false
}

// Prerequisites returns every flag that must be true before flag can be.
func (p *Pipeline) Prerequisites(flag string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(f string) {
		st, ok := p.ByFlag(f)
		if !ok {
			return
		}
		for _, in := range st.InputFlags {
			if !seen[in] {
				seen[in] = true
				walk(in)
			}
		}
	}
	walk(flag)
	return sortedKeys(seen)
}

// Dependents returns every flag whose stage transitively requires flag.
func (p *Pipeline) Dependents(flag string) []string {
	seen := map[string]bool{}
	frontier := []string{flag}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, st := range p.stages {
			if contains(st.InputFlags, cur) && !seen[st.CompletionFlag] {
				seen[st.CompletionFlag] = true
				frontier = append(frontier, st.CompletionFlag)
			}
		}
	}
	return sortedKeys(seen)
}

// Invalidate marks flag false and cascades false to dependent flags that
// are currently set. Absent dependents stay absent. It returns the flags it
// changed.
func (p *Pipeline) Invalidate(item *models.ContentItem, flag string) []string {
	changed := []string{}
	if v, ok := item.Status.Get(flag); !ok || v {
		changed = append(changed, flag)
	}
	item.ResetFlag(flag)
	for _, dep := range p.Dependents(flag) {
		if item.Status.IsTrue(dep) {
			item.ResetFlag(dep)
			changed = append(changed, dep)
		}
	}
	return changed
}

// Violations lists flags that are true while one of their prerequisites is not.
func (p *Pipeline) Violations(item models.ContentItem) []string {
	var out []string
	for _, st := range p.stages {
		if !item.Status.IsTrue(st.CompletionFlag) {
			continue
		}
		for _, pre := range p.Prerequisites(st.CompletionFlag) {
			if !item.Status.IsTrue(pre) {
				out = append(out, st.CompletionFlag)
				break
			}
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
