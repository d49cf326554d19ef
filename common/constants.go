package common

// Number of node update batches the driver applies per step.
const DefaultClusterChanSize = 100
