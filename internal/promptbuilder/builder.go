// Package promptbuilder selects the runner flavor, prompt template, and
// permission policy for a new session, and resolves the chosen template's
// placeholders against the triggering work item and conversation.
package promptbuilder

import (
	"strings"

	"github.com/edgeworker/edgeworker/internal/common/config"
	"github.com/edgeworker/edgeworker/internal/domain"
)

// ExplicitSelection, when non-nil, overrides label-rule and repository
// default selection — set by the dispatcher when a prior event on the same
// session already pinned a flavor/model/template.
type ExplicitSelection struct {
	Runner   domain.RunnerFlavor
	Model    string
	Template string
}

// Input carries everything the builder needs to produce a prompt and
// runner selection for one session.
type Input struct {
	Repository   config.RepositoryConfig
	WorkItem     domain.WorkItem
	Conversation domain.Conversation
	Attachments  []string // resolved local paths
	Workspace    string
	Explicit     *ExplicitSelection
}

// Result is the Prompt Builder's output: the resolved prompt body, the
// chosen runner selection, and which template name was used.
type Result struct {
	Prompt       string
	TemplateName string
	Runner       domain.RunnerSelection
}

// Builder resolves prompts and runner selections against the worker's
// configured named templates.
type Builder struct {
	runners   config.RunnersConfig
	templates map[string]string
}

// New constructs a Builder over the worker's runner/template configuration.
func New(runners config.RunnersConfig) *Builder {
	return &Builder{runners: runners, templates: runners.Templates}
}

// Build runs the selection algorithm (explicit → label rule → repository
// default) and resolves the chosen template's placeholders.
func (b *Builder) Build(in Input) (Result, error) {
	templateName, flavor, model, err := b.selectTemplate(in)
	if err != nil {
		return Result{}, err
	}

	template, ok := b.templates[templateName]
	if !ok {
		return Result{}, domain.ErrMissingTemplate
	}

	body := resolvePlaceholders(template, in)

	return Result{
		Prompt:       body,
		TemplateName: templateName,
		Runner: domain.RunnerSelection{
			Flavor: flavor,
			Model:  model,
			Permission: permissionPolicy(in.Repository, labelOverride(in.Repository, in.WorkItem.Labels)),
		},
	}, nil
}

// selectTemplate implements the three-step selection algorithm from the
// component design: explicit selection wins, then the first matching label
// rule in declaration order, then the repository default.
func (b *Builder) selectTemplate(in Input) (templateName string, flavor domain.RunnerFlavor, model string, err error) {
	if in.Explicit != nil {
		flavor = in.Explicit.Runner
		model = in.Explicit.Model
		templateName = in.Explicit.Template
		if flavor == "" {
			flavor = domain.RunnerFlavor(in.Repository.DefaultRunner)
		}
		if model == "" {
			model = in.Repository.DefaultModel
		}
		if templateName == "" {
			templateName = "default"
		}
		return templateName, flavor, model, nil
	}

	if rule := labelOverride(in.Repository, in.WorkItem.Labels); rule != nil {
		flavor = domain.RunnerFlavor(rule.Runner)
		if flavor == "" {
			flavor = domain.RunnerFlavor(in.Repository.DefaultRunner)
		}
		model = rule.Model
		if model == "" {
			model = in.Repository.DefaultModel
		}
		return rule.Template, flavor, model, nil
	}

	if in.Repository.ID == "" {
		return "", "", "", domain.ErrUnresolvableRepository
	}

	return "default", domain.RunnerFlavor(in.Repository.DefaultRunner), in.Repository.DefaultModel, nil
}

// labelOverride returns the first labelPrompts rule (in repository
// declaration order) whose label appears in the work item's labels.
func labelOverride(repo config.RepositoryConfig, labels []string) *config.LabelPromptRule {
	labelSet := make(map[string]bool, len(labels))
	for _, l := range labels {
		labelSet[l] = true
	}
	for i := range repo.LabelPrompts {
		rule := &repo.LabelPrompts[i]
		if labelSet[rule.Label] {
			return rule
		}
	}
	return nil
}

// permissionPolicy derives the flavor-agnostic permission policy from
// repository defaults. A matched label rule does not change it (the rule
// carries no approval/sandbox fields, so only the repository-level values
// are used — label rules steer runner/model/template, not the permission
// envelope).
func permissionPolicy(repo config.RepositoryConfig, _ *config.LabelPromptRule) domain.PermissionPolicy {
	return domain.PermissionPolicy{
		ApprovalMode:    repo.ApprovalMode,
		SandboxLevel:    repo.SandboxLevel,
		AllowedTools:    repo.AllowedTools,
		DisallowedTools: repo.DisallowedTools,
	}
}

// resolvePlaceholders substitutes {{placeholder}} tokens. Unresolved
// placeholders are left literal in the output.
func resolvePlaceholders(template string, in Input) string {
	values := map[string]string{
		"issue.identifier":       in.WorkItem.Identifier,
		"issue.title":            in.WorkItem.Title,
		"issue.description":      in.WorkItem.Description,
		"comment.body":           in.Conversation.Body,
		"attachments.manifest":   strings.Join(in.Attachments, "\n"),
		"workspace.path":         in.Workspace,
	}

	out := template
	for key, val := range values {
		out = strings.ReplaceAll(out, "{{"+key+"}}", val)
	}
	return out
}
