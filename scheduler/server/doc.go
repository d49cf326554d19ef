/*
package server provides the Driver, which distributes the tasks of queued jobs to a cluster of nodes.

* Concepts *
ClientBundle:
  The tasks a client submitted in one call. It completes once each of its tasks resolved, whatever
  node bundles carried them.

ServerJob:
  All client bundles submitted under one job uuid, governed by one SLA. Tasks waiting for a node sit in
  the job's pending pool.
  NEW -> EXECUTING on the first dispatch, CANCELLED on Cancel, COMPLETE once nothing is pending,
  ENDED once the completion callbacks ran. Bundles added to a COMPLETE job start a new job.

NodeBundle:
  Tasks carved from the front of a job's pending pool and dispatched to one node. On return each task is
  RESULT, EXCEPTION, CANCELLED or TIMEOUT_CANCELLED and goes back to its client bundle, or
  TIMEOUT_RESUBMIT and goes back to the front of the pending pool.

Broadcast:
  A broadcast job is never dispatched itself. It is fanned out to one child job per node its policy
  accepts, and ends when the last child ended.

* Logic *
Step:
  Apply cluster changes, expire jobs and dispatches past their deadline, then walk the ready jobs by
  priority. For each job rank the idle nodes with its execution policy and carve one bundle per node,
  up to the job's MaxNodes.

Requeue:
  A job leaves the ready heap when its pending pool is empty and returns to it, once, when returned
  tasks refill the pool.
*/
package server
