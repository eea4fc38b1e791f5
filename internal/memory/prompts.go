package memory

// longTermSummaryPromptTemplate produces the rolling conversation summary.
const longTermSummaryPromptTemplate = `You maintain a rolling long-term memory summary for one chat.

Merge the previous summary with the new conversation chunk into a single
updated summary. Keep stable facts, user preferences, ongoing tasks and
conclusions. Drop greetings, acknowledgements and transient chatter. Write
plain text, at most a few short paragraphs, in the conversation's dominant
language.

### PREVIOUS_SUMMARY
__PREVIOUS_SUMMARY__

### NEW_CONVERSATION_CHUNK
__NEW_CONVERSATION_CHUNK__

Updated summary:`
