package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicAgentInput carries invocation requests for the named agent. Runtime
// workers reply on the message's reply subject.
func TopicAgentInput(agent string) string {
	return fmt.Sprintf("agent.%s.input", agent)
}

func TopicRunEvents(runID string) string {
	return fmt.Sprintf("events.run.%s", runID)
}

func TopicWorkflowEvents(workflow string) string {
	return fmt.Sprintf("events.workflow.%s", workflow)
}

const (
	TopicEventsAll = "events.>"
	TopicEventsRun = "events.run.*"
)
