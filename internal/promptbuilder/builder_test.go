package promptbuilder

import (
	"errors"
	"testing"

	"github.com/edgeworker/edgeworker/internal/common/config"
	"github.com/edgeworker/edgeworker/internal/domain"
)

func testRunners() config.RunnersConfig {
	return config.RunnersConfig{
		Templates: map[string]string{
			"default": "Work on {{issue.identifier}}: {{issue.title}}\n{{issue.description}}",
			"bugfix":  "Fix bug {{issue.identifier}} in {{workspace.path}}",
		},
	}
}

func TestBuild_RepositoryDefaultSelection(t *testing.T) {
	b := New(testRunners())
	in := Input{
		Repository: config.RepositoryConfig{ID: "repo-1", DefaultRunner: "claude-code", DefaultModel: "sonnet"},
		WorkItem:   domain.WorkItem{Identifier: "ENG-1", Title: "Fix the thing", Description: "details"},
		Workspace:  "/ws/repo-1",
	}

	res, err := b.Build(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Runner.Flavor != domain.FlavorClaudeCode || res.Runner.Model != "sonnet" {
		t.Fatalf("unexpected runner selection: %+v", res.Runner)
	}
	if res.Prompt != "Work on ENG-1: Fix the thing\ndetails" {
		t.Fatalf("unexpected resolved prompt: %q", res.Prompt)
	}
}

func TestBuild_LabelRuleWinsOverDefault(t *testing.T) {
	b := New(testRunners())
	in := Input{
		Repository: config.RepositoryConfig{
			ID:            "repo-1",
			DefaultRunner: "claude-code",
			DefaultModel:  "sonnet",
			LabelPrompts: []config.LabelPromptRule{
				{Label: "bug", Template: "bugfix", Runner: "codex", Model: "o1"},
			},
		},
		WorkItem:  domain.WorkItem{Identifier: "ENG-2", Labels: []string{"bug", "priority"}},
		Workspace: "/ws/repo-1",
	}

	res, err := b.Build(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TemplateName != "bugfix" || res.Runner.Flavor != domain.FlavorCodex || res.Runner.Model != "o1" {
		t.Fatalf("expected label rule to win, got %+v", res)
	}
	if res.Prompt != "Fix bug ENG-2 in /ws/repo-1" {
		t.Fatalf("unexpected resolved prompt: %q", res.Prompt)
	}
}

func TestBuild_ExplicitSelectionWinsOverLabelRule(t *testing.T) {
	b := New(testRunners())
	in := Input{
		Repository: config.RepositoryConfig{
			ID:            "repo-1",
			DefaultRunner: "claude-code",
			LabelPrompts:  []config.LabelPromptRule{{Label: "bug", Template: "bugfix", Runner: "codex"}},
		},
		WorkItem:  domain.WorkItem{Identifier: "ENG-3", Labels: []string{"bug"}},
		Workspace: "/ws/repo-1",
		Explicit:  &ExplicitSelection{Runner: domain.FlavorACP, Model: "m1", Template: "default"},
	}

	res, err := b.Build(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Runner.Flavor != domain.FlavorACP || res.TemplateName != "default" {
		t.Fatalf("expected explicit selection to win, got %+v", res)
	}
}

func TestBuild_MissingTemplateSurfacesError(t *testing.T) {
	b := New(config.RunnersConfig{Templates: map[string]string{}})
	in := Input{
		Repository: config.RepositoryConfig{ID: "repo-1", DefaultRunner: "claude-code"},
		WorkItem:   domain.WorkItem{Identifier: "ENG-4"},
	}

	_, err := b.Build(in)
	if !errors.Is(err, domain.ErrMissingTemplate) {
		t.Fatalf("expected ErrMissingTemplate, got %v", err)
	}
}

func TestBuild_UnresolvableRepositorySurfacesError(t *testing.T) {
	b := New(testRunners())
	in := Input{
		Repository: config.RepositoryConfig{}, // no ID
		WorkItem:   domain.WorkItem{Identifier: "ENG-5"},
	}

	_, err := b.Build(in)
	if !errors.Is(err, domain.ErrUnresolvableRepository) {
		t.Fatalf("expected ErrUnresolvableRepository, got %v", err)
	}
}
