// Package cluster gives each instance a place in the fleet: a heartbeat
// backed identity record other instances can resolve to an address, and a
// small-integer slot held under a renewable lease. The slot feeds the
// broadcast consumer's group identity; losing it is the one cancellation
// signal in the delivery path.
package cluster
