package stats

/*
This file defines all the metrics being collected. As new metrics are added please follow this pattern.
*/

const (
	/************************* Driver metrics **************************/
	/*
		number of client bundles accepted by the job queue
	*/
	DriverBundlesSubmittedCounter = "bundlesSubmittedCounter"

	/*
		number of tasks accepted by the job queue
	*/
	DriverTasksSubmittedCounter = "tasksSubmittedCounter"

	/*
		number of jobs currently held by the job queue
	*/
	DriverQueuedJobsGauge = "queuedJobsGauge"

	/*
		number of node bundles handed to the transport
	*/
	DriverDispatchCounter = "dispatchCounter"

	/*
		number of tasks handed to the transport
	*/
	DriverTasksDispatchedCounter = "tasksDispatchedCounter"

	/*
		number of transport dispatch attempts that failed after retries
	*/
	DriverDispatchErrCounter = "dispatchErrCounter"

	/*
		number of node bundles whose results came back
	*/
	DriverBundlesReturnedCounter = "bundlesReturnedCounter"

	/*
		number of jobs that reached ENDED
	*/
	DriverJobsEndedCounter = "jobsEndedCounter"

	/*
		number of jobs cancelled
	*/
	DriverJobsCancelledCounter = "jobsCancelledCounter"

	/*
		number of times a job was re-admitted to the queue after having no pending tasks
	*/
	DriverRequeueCounter = "requeueCounter"

	/*
		time spent in one scheduling step
	*/
	DriverStepLatency_ms = "stepLatency_ms"

	/*
		number of nodes known to the driver, idle nodes, and nodes marked flaky
	*/
	ClusterNodesGauge      = "clusterNodesGauge"
	ClusterIdleNodesGauge  = "clusterIdleNodesGauge"
	ClusterFlakyNodesGauge = "clusterFlakyNodesGauge"

	/************************* Policy metrics **************************/
	/*
		number of execution policy evaluations and rejections
	*/
	PolicyEvaluationsCounter = "policyEvaluationsCounter"
	PolicyRejectionsCounter  = "policyRejectionsCounter"

	/*
		descriptor cache hits and misses when building policies from XML
	*/
	PolicyCacheHitCounter  = "policyCacheHitCounter"
	PolicyCacheMissCounter = "policyCacheMissCounter"
)
