// Package scheduler runs graphs of dependent jobs on a pool of workers.
//
// A Job carries a priority, a set of prerequisite jobs and a Work to run.
// Submitted jobs live in one of two priority queues: blocked (some
// prerequisite is not Finished yet) or runnable. Workers take the runnable
// job with the lowest priority value, ties broken by submission order.
// When a job finishes, every dependent is re-evaluated and promoted once its
// last prerequisite is done. A prerequisite that ends in Error never
// satisfies a dependent; such dependents stay Queued until their owner
// dequeues them.
//
// Lock order: Scheduler.mu, then Job.mu. A job mutex is never held while
// acquiring a scheduler mutex.
package scheduler
