package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// Fixed replies of the dialogue engine.
const (
	MsgStartOver = "Oops! Something went wrong. Let's start over."

	MsgCapabilities = "I'm here to help with managing your tasks and hobbies. You can ask me to:\n" +
		"- Create a new task\n" +
		"- Add a hobby\n" +
		"- Show your tasks\n" +
		"- Show your hobbies"

	MsgSuggestionsFooter = "\n\nI can help you with:\n" +
		"- Creating new tasks ('add task')\n" +
		"- Adding hobbies ('add hobby')\n" +
		"- Viewing your tasks ('show tasks')\n" +
		"- Viewing your hobbies ('show hobbies')"

	MsgNoTasks   = "You don't have any tasks yet."
	MsgNoHobbies = "You don't have any hobbies yet."

	msgGenericInvalid = "Invalid input. Please try again."
	msgGenericNext    = "Please provide the required information."
)

// GeneralChatSystemPrompt frames the general responder.
const GeneralChatSystemPrompt = `You are a friendly task and hobby management assistant. Your main functions are:
1. Help users manage their tasks and hobbies
2. Create new tasks by collecting required information
3. Add new hobbies to users' profiles
4. Show existing tasks and hobbies
5. Answer questions about task and hobby management

When creating tasks, collect: task_name, time_required (HH:MM:SS), days_associated (comma-separated days),
priority (High/Medium/Low), is_fixed_time (yes/no), and fixed_time_slot if needed.

For hobbies: collect name and category.

If the user's request isn't about tasks or hobbies, provide a helpful response and suggest task/hobby related actions.`

// suggestionKeywords mark a general reply as already on topic.
var suggestionKeywords = []string{"task", "hobby", "schedule"}

var startPrompts = map[Intent]string{
	IntentCreateTask:  "Let's create a new task! What's the name of the task?",
	IntentCreateHobby: "Let's add a new hobby! What's the name of the hobby?",
}

var nextPrompts = map[FieldName]string{
	FieldTaskName:       "What's the name of the task?",
	FieldTimeRequired:   "How much time is needed (HH:MM:SS)?",
	FieldDaysAssociated: "Which days (comma-separated)?",
	FieldPriority:       "What priority (High/Medium/Low)?",
	FieldIsFixedTime:    "Is this a fixed-time task (yes/no)?",
	FieldFixedTimeSlot:  "What time should this be scheduled (HH:MM:SS)?",
	FieldHobbyName:      "What's the name of the hobby?",
	FieldCategory:       "What category does this hobby belong to?",
}

var invalidPrompts = map[FieldName]string{
	FieldTaskName:       "Please enter a valid task name.",
	FieldTimeRequired:   "Please enter time in HH:MM:SS format.",
	FieldDaysAssociated: "Please enter valid days (e.g., 'Monday, Wednesday').",
	FieldPriority:       "Priority must be High, Medium, or Low.",
	FieldIsFixedTime:    "Please answer with 'yes' or 'no'.",
	FieldFixedTimeSlot:  "Please enter time in HH:MM:SS format.",
	FieldHobbyName:      "Please enter a valid hobby name.",
	FieldCategory:       "Please enter a valid category.",
}

var cancelPrompts = map[Intent]string{
	IntentCreateTask:  "Okay, I've stopped creating that task. Nothing was saved.",
	IntentCreateHobby: "Okay, I've stopped adding that hobby. Nothing was saved.",
}

// abandonPhrases end a collection without saving when sent as the whole message.
var abandonPhrases = map[string]bool{
	"cancel":     true,
	"abort":      true,
	"nevermind":  true,
	"never mind": true,
}

func StartPrompt(intent Intent) string {
	return startPrompts[intent]
}

func NextPrompt(f FieldName) string {
	if p, ok := nextPrompts[f]; ok {
		return p
	}
	return msgGenericNext
}

func InvalidPrompt(f FieldName) string {
	if p, ok := invalidPrompts[f]; ok {
		return p
	}
	return msgGenericInvalid
}

func isAbandon(text string) bool {
	return abandonPhrases[strings.ToLower(strings.TrimSpace(text))]
}

func taskCreatedMessage(t models.Task) string {
	return fmt.Sprintf("Task '%s' created successfully!", t.TaskName)
}

func hobbyAddedMessage(link models.HobbyLink) string {
	if link.AlreadyOwned {
		return fmt.Sprintf("You already have '%s' in your hobbies!", link.Hobby.Name)
	}
	return fmt.Sprintf("Hobby '%s' added to your profile!", link.Hobby.Name)
}

func formatTaskList(tasks []models.Task) string {
	if len(tasks) == 0 {
		return MsgNoTasks
	}
	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		lines = append(lines, fmt.Sprintf("- %s (Priority: %s)", t.TaskName, t.Priority))
	}
	return strings.Join(lines, "\n")
}

func formatHobbyList(hobbies []models.Hobby) string {
	if len(hobbies) == 0 {
		return MsgNoHobbies
	}
	lines := make([]string, 0, len(hobbies))
	for _, h := range hobbies {
		lines = append(lines, fmt.Sprintf("- %s (%s)", h.Name, h.Category))
	}
	return strings.Join(lines, "\n")
}
