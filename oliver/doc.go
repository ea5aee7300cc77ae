// Package oliver implements a small Discord chat bot that proxies user
// messages to a generative-language model, keeps bounded per-user
// conversation memory, and persists that memory to a local JSON snapshot
// mirrored to a GitHub repository.
//
// The interesting part is the orchestration pipeline in [Orchestrator]:
// validation, per-user locking, reply caching, state mutation, a
// rate-limited and retried model call, sanitization, and best-effort
// persistence. The discord gateway, status HTTP server, and embed text
// are thin presentation layers around it.
package oliver
