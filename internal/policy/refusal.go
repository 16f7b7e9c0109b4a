package policy

import "fmt"

// Refusal replaces an assistant turn whose tool calls were blocked. Content
// and Refusal always hold the same text: machine-readable tags followed by a
// human-readable explanation.
type Refusal struct {
	ToolName  string
	Arguments string
	Reason    string
	Content   string
	Refusal   string
}

// NewRefusal builds the refusal for a blocked call.
func NewRefusal(toolName, arguments, reason string) *Refusal {
	if arguments == "" {
		arguments = "{}"
	}
	text := fmt.Sprintf(
		"<archestra-tool-name>%s</archestra-tool-name>\n"+
			"<archestra-tool-arguments>%s</archestra-tool-arguments>\n"+
			"<archestra-tool-reason>%s</archestra-tool-reason>\n\n"+
			"I tried to invoke the %s tool with the following arguments: %s.\n\n"+
			"However, I was denied by a tool invocation policy:\n\n%s",
		toolName, arguments, reason, toolName, arguments, reason)
	return &Refusal{
		ToolName:  toolName,
		Arguments: arguments,
		Reason:    reason,
		Content:   text,
		Refusal:   text,
	}
}
