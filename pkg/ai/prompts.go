package ai

const ExtractPrompt = `
# Task Context
You are an assistant that extracts graph entities and relationships from observability log narratives. Each narrative describes one log event emitted by a service inside a distributed trace.

# Background Data
%s

# Detailed Task Description & Rules
- Identify every entity mentioned in the narrative. Allowed entity types: Service, Trace, Pod, LogEntry, Database.
- Identify every relationship between those entities. Allowed relationship types: PART_OF_TRACE, EMITTED_BY, RUNNING_ON, EXECUTED_QUERY.
- Use exact identifiers from the narrative (service names, trace IDs, pod IDs, table names). Never invent identifiers that do not appear in the text.
- The log event itself is a LogEntry entity. It is PART_OF_TRACE of its trace and EMITTED_BY its service.
- If the narrative mentions a pod, the service is RUNNING_ON that pod.
- If the narrative mentions a database query, the service EXECUTED_QUERY against the queried table.
- Every relationship endpoint must appear in the entities list.

# Output Formatting
Return a JSON object matching the provided schema exactly. Do not wrap it in markdown fences or commentary.
`

const ExtractStrictPrompt = `
# Task Context
You previously produced output that did not match the required schema. Extract graph entities and relationships from the observability log narrative again.

# Background Data
%s

# Detailed Task Description & Rules
- Output MUST be a single JSON object matching the schema. No prose, no markdown, no trailing text.
- Entity types are restricted to: Service, Trace, Pod, LogEntry, Database.
- Relationship types are restricted to: PART_OF_TRACE, EMITTED_BY, RUNNING_ON, EXECUTED_QUERY.
- Omit any entity or relationship you cannot ground in the narrative text.
- Every relationship endpoint must appear in the entities list.
`

const OptimizePrompt = `
# Task Context
You are an expert at refining search queries for log analysis.

# Detailed Task Description & Rules
- Rewrite the user question to be a concise, keyword-heavy search query suited for vector retrieval.
- Keep entity names (Pod IDs, Service Names, Trace IDs) exactly as is.
- Return only the rewritten query, nothing else.

User Question: %s
Optimized Query:`

const DatesPrompt = `
# Task Context
Analyze the user question and extract time range filters for log retrieval.

# Detailed Task Description & Rules
- Return JSON with keys 'start_date' and 'end_date' in ISO 8601 format (YYYY-MM-DDTHH:MM:SS).
- If a bound is not specified in the question, return null for it.
- Resolve relative expressions ("last hour", "yesterday") against the current time.
current_time: %s

User Question: %s
JSON Output:`

const RerankPrompt = `
# Task Context
You are an expert Observability and Log Analysis assistant. Your task is to rerank the provided log documents based on their relevance to the user's query.

# Detailed Task Description & Rules
Criteria for relevance:
1. Direct relation to the error/service in the query.
2. High severity levels (ERROR/CRITICAL) are prioritized over INFO.
3. Root cause indicators (exceptions, timeouts found in related logs).
4. Temporal proximity.

User Query: %s

Documents to Rank:
%s

# Output Formatting
Return a JSON object containing a list of the most relevant documents sorted by score (descending). Only return the top %d documents. Reference documents by their DOC ID index.
`

const AnswerPrompt = `
# Task Context
You are an advanced Site Reliability Engineer (SRE) AI assistant. Answer the user's question based strictly on the provided log context. The context is enhanced with graph relationships (upstream/downstream errors).

# Detailed Task Description & Rules
1. Identify the root cause if an error is present. Look at the "POTENTIAL ROOT CAUSES" section in the logs.
2. If Service B failed, check if Service A failed before it. Connect these dots.
3. Mention specific Pod IDs, Trace IDs, and timestamps.
4. If the answer is not in the logs, state that clearly.

Context:
%s

User Question: %s

Answer:`

// NoEvidenceAnswer is returned verbatim when retrieval finds no candidate
// logs and the agent terminates degraded instead of synthesizing.
const NoEvidenceAnswer = `No relevant logs were found for this question. The knowledge graph contains no evidence matching the query and time range, so no answer can be given.`
