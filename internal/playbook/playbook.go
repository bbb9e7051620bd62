// Package playbook implements the workflow instantiator (spec.md §4.10):
// materializing a workflow and its child tasks from a playbook template,
// the way internal/agents.LoadTeamsConfig turns a YAML document into typed
// config, generalized here to a stored document's content instead of a file
// on disk.
package playbook

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stoneforge-ai/stoneforge-sub016/internal/core"
)

// Template is the YAML shape of a playbook document's content, parsed with
// yaml.v3 the same way the teacher parses teams.yaml into types.TeamsConfig.
type Template struct {
	Extends   string                 `yaml:"extends,omitempty"`
	Variables []VariableDef          `yaml:"variables,omitempty"`
	Steps     []StepDef              `yaml:"steps,omitempty"`
	Defaults  map[string]interface{} `yaml:"defaults,omitempty"`
}

// VariableDef declares one playbook variable.
type VariableDef struct {
	Name     string      `yaml:"name"`
	Required bool        `yaml:"required,omitempty"`
	Default  interface{} `yaml:"default,omitempty"`
}

// StepDef is one step in a playbook template.
type StepDef struct {
	ID          string   `yaml:"id"`
	Kind        string   `yaml:"kind"` // "task" | "function"
	Title       string   `yaml:"title,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Assignee    string   `yaml:"assignee,omitempty"`
	Priority    int      `yaml:"priority,omitempty"`
	Complexity  int      `yaml:"complexity,omitempty"`
	TaskType    string   `yaml:"taskType,omitempty"`
	Code        string   `yaml:"code,omitempty"`
	Command     string   `yaml:"command,omitempty"`
	Condition   string   `yaml:"condition,omitempty"`
	DependsOn   []string `yaml:"dependsOn,omitempty"`
}

// Parse decodes a playbook document's content into a Template.
func Parse(content []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(content, &t); err != nil {
		return nil, core.NewError(core.CodeValidation, "playbook.parse", "parse playbook YAML", err)
	}
	return &t, nil
}

// Store is the subset of internal/store.Store the instantiator needs.
type Store interface {
	AllocateChildID(parentID string) (string, error)
	CreateWorkflow(w *core.Workflow, actor string) error
	CreateTask(t *core.Task, actor string) error
}

// Graph is the subset of internal/graph.Graph the instantiator needs.
type Graph interface {
	AddDependency(blockedID, blockerID string, depType core.DependencyType, createdBy string, metadata core.Metadata) error
}

// Loader resolves a playbook id to its parsed Template; an `extends` parent
// is resolved by calling the Loader again with the parent's id. Templates
// are stored as documents elsewhere and this package has no storage
// dependency of its own beyond Store/Graph.
type Loader func(playbookID string) (*Template, error)

// Instantiator materializes workflows from playbook templates.
type Instantiator struct {
	store  Store
	graph  Graph
	loader Loader
}

// New builds an Instantiator backed by store, graph, and a Template loader.
func New(store Store, g Graph, loader Loader) *Instantiator {
	return &Instantiator{store: store, graph: g, loader: loader}
}

// FunctionStep is an in-memory record for a step.kind=function step: it is
// never persisted as a task, only returned for external execution (§4.10
// step 5).
type FunctionStep struct {
	ID          string
	StepID      string
	Title       string
	Description string
	Code        string
	Command     string
}

// Options configures Instantiate.
type Options struct {
	PlaybookID  string
	Variables   map[string]interface{}
	Ephemeral   bool
	RequestedBy string
	Actor       string
}

// Result is the outcome of materializing a playbook (§4.10's return shape).
type Result struct {
	Workflow                *core.Workflow
	Tasks                   []*core.Task
	FunctionSteps           []FunctionStep
	Steps                   []StepDef
	BlocksDependencies      int
	ParentChildDependencies int
	ResolvedVariables       map[string]interface{}
	SkippedSteps            []string
}

// Instantiate resolves inheritance, resolves variables, filters conditional
// steps, creates the workflow and its children, and wires dependsOn/
// ownership edges, per §4.10 steps 1-7. The whole sequence runs as one
// logical unit, but it is not itself transactional: if any element create or
// dependency add fails partway, the caller sees a partially-built workflow.
// A future caller needing a hard all-or-nothing guarantee would need
// internal/store to expose its transaction boundary publicly, which it does
// not today (spec.md §5's "partially-dispatched state must never be
// observable" applies here as much as to dispatch).
func (p *Instantiator) Instantiate(opts Options) (*Result, error) {
	tmpl, err := p.resolveTemplate(opts.PlaybookID, map[string]bool{})
	if err != nil {
		return nil, err
	}

	resolvedVars, err := resolveVariables(tmpl, opts.Variables)
	if err != nil {
		return nil, err
	}

	included, skipped, err := filterSteps(tmpl.Steps, resolvedVars)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	actor := opts.Actor
	if actor == "" {
		actor = opts.RequestedBy
	}

	workflow := &core.Workflow{
		Element: core.Element{
			CreatedBy: actor,
		},
		Title:      substitute(tmpl.defaultTitle(), resolvedVars),
		Status:     core.WorkflowPending,
		Ephemeral:  opts.Ephemeral,
		Variables:  core.Metadata(resolvedVars),
		PlaybookID: opts.PlaybookID,
	}
	if opts.RequestedBy != "" {
		workflow.CreatedBy = opts.RequestedBy
	}
	if err := p.store.CreateWorkflow(workflow, actor); err != nil {
		return nil, err
	}

	result := &Result{
		Workflow:          workflow,
		ResolvedVariables: resolvedVars,
		Steps:             included,
		SkippedSteps:      skipped,
	}

	stepElementIDs := make(map[string]string, len(included)) // step.ID -> element id
	for _, step := range included {
		childID, err := p.store.AllocateChildID(workflow.ID)
		if err != nil {
			return result, err
		}

		switch step.Kind {
		case "function":
			fs := FunctionStep{
				ID:          childID,
				StepID:      step.ID,
				Title:       substitute(step.Title, resolvedVars),
				Description: substitute(step.Description, resolvedVars),
				Code:        substitute(step.Code, resolvedVars),
				Command:     substitute(step.Command, resolvedVars),
			}
			result.FunctionSteps = append(result.FunctionSteps, fs)
			stepElementIDs[step.ID] = childID
		default: // "task" and unspecified both create a real task
			task := &core.Task{
				Element: core.Element{
					ID:        childID,
					CreatedBy: actor,
				},
				Title:      substitute(step.Title, resolvedVars),
				Status:     core.TaskOpen,
				Priority:   priorityOrDefault(step.Priority),
				Complexity: complexityOrDefault(step.Complexity),
				TaskType:   taskTypeOrDefault(step.TaskType),
				Assignee:   substitute(step.Assignee, resolvedVars),
			}
			if err := p.store.CreateTask(task, actor); err != nil {
				return result, err
			}
			result.Tasks = append(result.Tasks, task)
			stepElementIDs[step.ID] = childID
		}

		// Step 7: parent-child edge recording ownership (step blocked by
		// the workflow).
		if err := p.graph.AddDependency(childID, workflow.ID, core.DepParentChild, actor, nil); err != nil {
			return result, err
		}
		result.ParentChildDependencies++
	}

	// Step 6: dependsOn -> blocks edges, skipping endpoints filtered out.
	for _, step := range included {
		dependentID, ok := stepElementIDs[step.ID]
		if !ok {
			continue
		}
		for _, dep := range step.DependsOn {
			blockerID, ok := stepElementIDs[dep]
			if !ok {
				continue // dependency target was filtered out by its condition
			}
			if err := p.graph.AddDependency(dependentID, blockerID, core.DepBlocks, actor, nil); err != nil {
				return result, err
			}
			result.BlocksDependencies++
		}
	}

	return result, nil
}

func (t *Template) defaultTitle() string {
	if v, ok := t.Defaults["title"].(string); ok {
		return v
	}
	return ""
}

// resolveTemplate recursively merges extends chains, deeper field wins
// (§4.10 step 1). seen guards against a cycle in the extends graph.
func (p *Instantiator) resolveTemplate(playbookID string, seen map[string]bool) (*Template, error) {
	if seen[playbookID] {
		return nil, core.NewErrorf(core.CodeValidation, "playbook.instantiate", "extends cycle at %s", playbookID)
	}
	seen[playbookID] = true

	tmpl, err := p.loader(playbookID)
	if err != nil {
		return nil, core.NewError(core.CodeNotFound, "playbook.instantiate", fmt.Sprintf("load playbook %s", playbookID), err)
	}
	if tmpl.Extends == "" {
		return tmpl, nil
	}

	parent, err := p.resolveTemplate(tmpl.Extends, seen)
	if err != nil {
		return nil, err
	}
	return mergeTemplates(parent, tmpl), nil
}

// mergeTemplates merges child over parent: child variables/steps/defaults
// win by name, parent entries not overridden are kept.
func mergeTemplates(parent, child *Template) *Template {
	merged := &Template{
		Variables: mergeVariables(parent.Variables, child.Variables),
		Steps:     mergeSteps(parent.Steps, child.Steps),
		Defaults:  mergeDefaults(parent.Defaults, child.Defaults),
	}
	return merged
}

func mergeVariables(parent, child []VariableDef) []VariableDef {
	byName := make(map[string]VariableDef, len(parent)+len(child))
	order := make([]string, 0, len(parent)+len(child))
	for _, v := range parent {
		if _, ok := byName[v.Name]; !ok {
			order = append(order, v.Name)
		}
		byName[v.Name] = v
	}
	for _, v := range child {
		if _, ok := byName[v.Name]; !ok {
			order = append(order, v.Name)
		}
		byName[v.Name] = v
	}
	out := make([]VariableDef, 0, len(order))
	for _, n := range order {
		out = append(out, byName[n])
	}
	return out
}

func mergeSteps(parent, child []StepDef) []StepDef {
	byID := make(map[string]StepDef, len(parent)+len(child))
	order := make([]string, 0, len(parent)+len(child))
	for _, s := range parent {
		if _, ok := byID[s.ID]; !ok {
			order = append(order, s.ID)
		}
		byID[s.ID] = s
	}
	for _, s := range child {
		if _, ok := byID[s.ID]; !ok {
			order = append(order, s.ID)
		}
		byID[s.ID] = s
	}
	out := make([]StepDef, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func mergeDefaults(parent, child map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range child {
		out[k] = v
	}
	return out
}

// resolveVariables merges defaults with provided values and validates every
// required variable is present (§4.10 step 2).
func resolveVariables(tmpl *Template, provided map[string]interface{}) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		if v.Default != nil {
			resolved[v.Name] = v.Default
		}
	}
	for k, v := range provided {
		resolved[k] = v
	}
	for _, v := range tmpl.Variables {
		if !v.Required {
			continue
		}
		if _, ok := resolved[v.Name]; !ok {
			return nil, core.NewErrorf(core.CodeValidation, "playbook.resolveVariables",
				"required variable %q not provided", v.Name)
		}
	}
	return resolved, nil
}

// filterSteps drops steps whose condition evaluates false (§4.10 step 3).
// Conditions are restricted to a single "varName" (truthy) or
// "varName == literal" / "varName != literal" comparison - the teacher's
// corpus carries no general expression evaluator, and a playbook step
// condition does not need one.
func filterSteps(steps []StepDef, vars map[string]interface{}) (included []StepDef, skipped []string, err error) {
	for _, step := range steps {
		if step.Condition == "" {
			included = append(included, step)
			continue
		}
		ok, err := evalCondition(step.Condition, vars)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			included = append(included, step)
		} else {
			skipped = append(skipped, step.ID)
		}
	}
	return included, skipped, nil
}

func evalCondition(cond string, vars map[string]interface{}) (bool, error) {
	cond = strings.TrimSpace(cond)
	negate := false
	var name, want string
	switch {
	case strings.Contains(cond, "!="):
		parts := strings.SplitN(cond, "!=", 2)
		name, want, negate = strings.TrimSpace(parts[0]), strings.Trim(strings.TrimSpace(parts[1]), `"'`), true
	case strings.Contains(cond, "=="):
		parts := strings.SplitN(cond, "==", 2)
		name, want = strings.TrimSpace(parts[0]), strings.Trim(strings.TrimSpace(parts[1]), `"'`)
	default:
		name = cond
	}

	val, ok := vars[name]
	if want == "" && !negate {
		if !ok {
			return false, nil
		}
		return truthy(val), nil
	}

	got := fmt.Sprintf("%v", val)
	eq := ok && got == want
	if negate {
		return !eq, nil
	}
	return eq, nil
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case nil:
		return false
	default:
		return true
	}
}

// substitute replaces {{varName}} placeholders with their resolved string
// value, the same simple template shape the teacher's prompt-building code
// uses for operator-facing strings (no general templating engine in the
// corpus for this kind of small substitution).
func substitute(s string, vars map[string]interface{}) string {
	if s == "" {
		return s
	}
	out := s
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	return out
}

func priorityOrDefault(p int) int {
	if p < 1 || p > 5 {
		return 3
	}
	return p
}

func complexityOrDefault(c int) int {
	if c < 1 || c > 5 {
		return 3
	}
	return c
}

func taskTypeOrDefault(t string) core.TaskType {
	switch core.TaskType(t) {
	case core.TaskTypeBug, core.TaskTypeFeature, core.TaskTypeChore:
		return core.TaskType(t)
	default:
		return core.TaskTypeTask
	}
}
