// Package workqueue carries stage triggers between the orchestrator and the
// workers.
//
// Delivery is at-least-once: a dequeued message stays invisible for the
// visibility timeout and reappears unless it is acknowledged first. Messages
// are only triggers; the job store decides whether a delivery still matters.
package workqueue
