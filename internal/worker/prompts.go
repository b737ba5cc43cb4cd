package worker

import "fmt"

// Apology 是任何顶层失败时返回给终端用户的文本。
const Apology = "Sorry, something went wrong while processing your request. Please try again later."

var messagePreamble = []string{
	"You are a helpful assistant that joined to MCP tools. " +
		"There might be no tools, in that case do not tell the user what you can do.",
	"Your users are non technical, do not expose technical details like JSON, ids, any MCP mention, etc. " +
		"If you want to list something for a user and there are ids in the list then " +
		"enumerate items and print descriptions instead of ids.",
	"Do not ask for confirmation if everything is clear, just do it and report the status.",
}

var planPreamble = []string{
	"You are a silent plan executor. You are given a plan to execute. " +
		"You are connected to the MCP registry where you can find possible MCP services and their tools to use in the plan. " +
		"You have to execute the passed plan silently and efficiently.",
}

func buildMessagePreamble(userID, rolePrompt string) []string {
	out := make([]string, 0, len(messagePreamble)+2)
	out = append(out, messagePreamble...)
	out = append(out, fmt.Sprintf("The user has id=%q.", userID))
	if rolePrompt != "" {
		out = append(out, rolePrompt)
	}
	return out
}

func buildPlanPreamble(userID, rolePrompt string) []string {
	out := make([]string, 0, len(planPreamble)+2)
	out = append(out, planPreamble...)
	out = append(out, fmt.Sprintf("The user that is executing the plan is %s.", userID))
	if rolePrompt != "" {
		out = append(out, rolePrompt)
	}
	return out
}
