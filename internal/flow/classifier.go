package flow

import (
	"context"
	"strings"
)

// Route is where an idle conversation's message goes.
type Route int

const (
	RouteChat Route = iota
	RouteStartTask
	RouteStartHobby
	RouteListTasks
	RouteListHobbies
)

func (r Route) String() string {
	switch r {
	case RouteStartTask:
		return "start_task"
	case RouteStartHobby:
		return "start_hobby"
	case RouteListTasks:
		return "list_tasks"
	case RouteListHobbies:
		return "list_hobbies"
	default:
		return "chat"
	}
}

// IntentClassifier routes messages that arrive while no intent is active.
type IntentClassifier interface {
	Classify(ctx context.Context, text string) (Route, error)
}

// PhraseClassifier matches fixed trigger phrases as case-insensitive substrings.
// Creation phrases take precedence over listing phrases.
type PhraseClassifier struct {
	rules []phraseRule
}

type phraseRule struct {
	route   Route
	phrases []string
}

// NewPhraseClassifier returns the default task and hobby phrase sets.
func NewPhraseClassifier() *PhraseClassifier {
	return &PhraseClassifier{rules: []phraseRule{
		{RouteStartTask, []string{"create task", "add task", "new task", "make task"}},
		{RouteStartHobby, []string{"create hobby", "add hobby", "new hobby", "make hobby"}},
		{RouteListTasks, []string{"show tasks", "list tasks", "my tasks"}},
		{RouteListHobbies, []string{"show hobbies", "list hobbies", "my hobbies"}},
	}}
}

func (c *PhraseClassifier) Classify(_ context.Context, text string) (Route, error) {
	lower := strings.ToLower(text)
	for _, rule := range c.rules {
		for _, p := range rule.phrases {
			if strings.Contains(lower, p) {
				return rule.route, nil
			}
		}
	}
	return RouteChat, nil
}
