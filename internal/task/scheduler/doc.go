// Package scheduler triggers named jobs on cron expressions or fixed
// intervals. A job never overlaps with itself: a trigger that fires while
// the previous run is still in flight is skipped.
package scheduler
