package llm

// System prompts for the two adjudication call shapes. Answers must be a
// single JSON object; the parser tolerates fences and reasoning blocks
// around it.

const eventGroupSystemPrompt = `你是新闻事件去重助手。判断给出的多条热点条目是否报道同一个现实事件。
同一事件的不同侧面、后续进展、平台措辞差异都算同一事件；仅主题相似但主体不同的不算。
只输出一个 JSON 对象：{"is_same_event": true/false, "confidence": 0到1的小数, "reason": "一句话理由"}`

const associationSystemPrompt = `你是话题归并助手。给定一个新事件和若干候选话题，判断新事件是否属于其中某个话题的延续。
属于延续时 decision 为 "merge" 并给出 target_topic_id（必须取自候选列表）；否则 decision 为 "new"。
只输出一个 JSON 对象：{"decision": "merge"或"new", "target_topic_id": 数字或null, "confidence": 0到1的小数, "reason": "一句话理由"}`
