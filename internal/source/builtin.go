package source

// RegisterBuiltins adds the default built-in skills to a Static source, so
// an empty deployment has a catalog to govern.
func RegisterBuiltins(s *Static) {
	builtins := []*Content{
		{
			Name:            "web_search",
			Description:     "Search the web for current information",
			DeclaredVersion: "1.0.0",
			Text: "You can search the web for current information. " +
				"Prefer the web search tool when the user asks about recent events, " +
				"current data, or anything beyond your training data. Cite the pages " +
				"you relied on.",
		},
		{
			Name:            "memory_recall",
			Description:     "Recall prior conversations and stored notes",
			DeclaredVersion: "1.0.0",
			Text: "You have access to a long-term memory store. " +
				"Search it before answering questions about past conversations, " +
				"decisions, or saved documents, and store anything the user asks " +
				"you to remember.",
		},
		{
			Name:            "task_planning",
			Description:     "Break complex work into ordered, checkable steps",
			DeclaredVersion: "1.0.0",
			Text: "Break complex requests into small, ordered steps before acting. " +
				"State the plan, execute one step at a time, and revise the plan " +
				"when a step uncovers new information.",
		},
		{
			Name:            "summarization",
			Description:     "Condense long material while preserving key facts",
			DeclaredVersion: "1.0.0",
			Text: "When asked to summarize, keep named entities, figures and " +
				"decisions intact, drop pleasantries and repetition, and flag any " +
				"part of the material you could not fit into the summary.",
		},
	}
	for _, c := range builtins {
		s.PutContent(c)
	}
}
