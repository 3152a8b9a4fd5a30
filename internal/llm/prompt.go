package llm

import "fmt"

// tutorPreamble frames every request as a tutoring exchange. The student's
// (possibly context-prefixed) question is spliced in verbatim.
const tutorPreamble = `You are Schrody, a helpful AI tutoring assistant. Your role is to:
- Provide clear, educational explanations
- Break down complex topics into understandable parts
- Ask follow-up questions to ensure understanding
- Encourage learning and critical thinking

Student question: %s

Please provide a helpful, educational response:`

// TutorPrompt wraps a raw student question in the tutoring persona preamble.
func TutorPrompt(question string) string {
	return fmt.Sprintf(tutorPreamble, question)
}
