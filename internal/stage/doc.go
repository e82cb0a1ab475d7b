// Package stage declares pipeline stages: their order, progress ranges,
// retry budgets and the handlers that execute them. A Catalog groups the
// configured variants; each job records the variant it was created with.
package stage
