// Package redisqueue implements workqueue.Queue on Redis.
//
// Pending messages live in a sorted set scored by the unix millisecond at
// which they become visible; message bodies are hashes. Dequeue,
// acknowledge and dead-letter are Lua scripts so a receipt check and the
// following write happen atomically.
package redisqueue
