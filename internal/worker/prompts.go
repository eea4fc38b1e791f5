package worker

// chatResponsePromptTemplate wraps plain chat turns: persona, memory-backed
// context, then the resolved request.
const chatResponsePromptTemplate = `__PERSONA_PROMPT__

### CONTEXT
__CONTEXT__

### CURRENT_USER_REQUEST
__REQUEST__

Reply to the current user request directly, in the user's language. Use the
context only as background; do not repeat it back. No JSON, no markdown
fences, just the reply text.`
