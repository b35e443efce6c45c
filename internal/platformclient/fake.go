package platformclient

import (
	"context"
	"sync"

	"github.com/edgeworker/edgeworker/internal/domain"
)

// Fake is an in-memory Client used by dispatcher tests.
type Fake struct {
	mu         sync.Mutex
	WorkItems  map[string]domain.WorkItem
	Activities []domain.Activity
	Assignees  map[string]string
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{
		WorkItems: make(map[string]domain.WorkItem),
		Assignees: make(map[string]string),
	}
}

func (f *Fake) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.WorkItems[id], nil
}

func (f *Fake) ListAttachments(ctx context.Context, workItemID string) ([]string, error) {
	return nil, nil
}

func (f *Fake) CreateActivity(ctx context.Context, conversationID string, activity domain.Activity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Activities = append(f.Activities, activity)
	return "act-" + conversationID, nil
}

func (f *Fake) IssueAssignee(ctx context.Context, workItemID, assigneeHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Assignees[workItemID] = assigneeHandle
	return nil
}
