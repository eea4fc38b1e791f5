package router

const routingRules = `Routing rules:
- "chat": the request is conversational, informational, or answerable from
  context alone. Questions, opinions, greetings, translations, summaries.
- "act": the request needs tools or skills to change or inspect the world:
  files, shell commands, image generation or editing, posting, fetching.
- "chat_act": the request needs actions AND a conversational reply that
  confirms the outcome naturally.
- "ask_clarify": the request cannot be routed without more information.
Prefer "chat" whenever the request can be satisfied without side effects.`

const intentRouterPromptTemplate = `__PERSONA_PROMPT__

You route one user request to an execution mode.

__ROUTING_RULES__

### RECENT_EXECUTION_CONTEXT
__RECENT_EXECUTION_CONTEXT__

### MEMORY_CONTEXT
__MEMORY_CONTEXT__

### REQUEST
__REQUEST__

Reply with one JSON object only:
{"mode":"chat|act|chat_act|ask_clarify","reason":"...","confidence":0.0,"evidence_refs":[]}`

const contextResolverPromptTemplate = `__PERSONA_PROMPT__

The user message may depend on earlier turns (pronouns, "that file", "do it
again"). Rewrite it into a self-contained request. If the message is already
self-contained, return it unchanged. If it cannot be resolved, set
needs_clarify.

### RECENT_EXECUTION_CONTEXT
__RECENT_EXECUTION_CONTEXT__

### MEMORY_CONTEXT
__MEMORY_CONTEXT__

### REQUEST
__REQUEST__

Reply with one JSON object only:
{"resolved_user_intent":"...","needs_clarify":false,"confidence":0.0,"reason":"..."}`

const clarifyQuestionPromptTemplate = `__PERSONA_PROMPT__

The user's request could not be resolved into a concrete task.

Request:
__REQUEST__

Resolver notes:
__RESOLVER_REASON__

Write one short clarifying question in the user's language. Question only,
no preamble.`

const imageTailRoutingPromptTemplate = `Decide whether this request expects an image file as the deliverable
(generating, editing, converting or rendering an image). Metadata questions
about images do not count.

Request:
__REQUEST__

Reply with one JSON object only: {"image_goal":true|false}`

// defaultClarifyQuestion is returned when the clarify LLM call fails or
// comes back empty.
const defaultClarifyQuestion = "我需要确认一下：你这条消息是针对哪件事情？请补充目标或上下文。"
