package backend

import (
	"fmt"
	"strings"
	"time"
)

// workerSystemPrompt builds the worker model's system message. The
// success criteria are embedded directly; when the evaluator has
// rejected a prior attempt, its feedback is appended so the worker can
// correct course.
func workerSystemPrompt(criteria, feedback string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `You are a capable personal assistant working on an assignment. You have access to tools for email, calendar, scheduling, web lookups, dictionaries, QR codes, and GitHub. Use them when they help complete the assignment.

The current date and time is %s.

This is the success criteria:
%s
You should reply either with a question for the user about this assignment, or with your final response.
If you have a question for the user, you need to reply by clearly stating your question. An example might be:

Question: please clarify whether you want a summary or a detailed answer

If you've finished, reply with the final answer, and don't ask a question; simply reply with the answer.`,
		time.Now().Format("Monday, January 2, 2006 at 3:04 PM MST"), criteria)

	if feedback != "" {
		fmt.Fprintf(&sb, `

Previously you thought you completed the assignment, but your reply was rejected because the success criteria was not met.
Here is the feedback on why this was rejected:
%s
With this feedback, please continue the assignment, ensuring that you meet the success criteria or have a question for the user.`, feedback)
	}
	return sb.String()
}

const evaluatorSystemPrompt = `You are an evaluator that determines if a task has been completed successfully by an Assistant.
Assess the Assistant's last response based on the given criteria. Respond in JSON with your feedback, with your decision on whether the success criteria has been met, and whether more input is needed from the user.
Reply only with a JSON object of the form {"feedback": string, "success_criteria_met": boolean, "user_input_needed": boolean}.`

// evaluatorUserPrompt builds the evaluator's user message from the
// full conversation, the criteria, and the answer under judgment.
func evaluatorUserPrompt(transcript []Message, criteria, lastResponse, priorFeedback string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `You are evaluating a conversation between the User and Assistant. You decide what action to take based on the last response from the Assistant.

The entire conversation with the assistant, with the user's original request and all replies, is:
%s

The success criteria for this assignment is:
%s

And the final response from the Assistant that you are evaluating is:
%s

Respond with your feedback, and decide if the success criteria is met by this response.
Also, decide if more user input is required, either because the assistant has a question, needs clarification, or seems to be stuck and unable to answer without help.

The Assistant has access to tools that act on the user's behalf. If the Assistant says it has sent an email or created an event, you can assume it has done so.
Overall you should give the Assistant the benefit of the doubt if they say they've done something. But you should reject if you feel that more work should go into this.
`, formatConversation(transcript), criteria, lastResponse)

	if priorFeedback != "" {
		fmt.Fprintf(&sb, "Also, note that in a prior attempt from the Assistant, you provided this feedback: %s\n", priorFeedback)
		sb.WriteString("If you're seeing the Assistant repeating the same mistakes, then consider responding that user input is required.\n")
	}
	return sb.String()
}

// formatConversation renders the transcript for the evaluator,
// collapsing tool-call turns into a placeholder.
func formatConversation(transcript []Message) string {
	var sb strings.Builder
	sb.WriteString("Conversation history:\n\n")
	for _, m := range transcript {
		switch m.Role {
		case "user":
			fmt.Fprintf(&sb, "User: %s\n", m.Content)
		case "assistant":
			text := m.Content
			if text == "" {
				text = "[Tools use]"
			}
			fmt.Fprintf(&sb, "Assistant: %s\n", text)
		}
	}
	return sb.String()
}
