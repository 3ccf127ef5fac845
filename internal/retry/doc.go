// Package retry schedules delayed delivery attempts. A hashed timing wheel
// carries every pending attempt on one ticker; the Scheduler walks a
// config-derived delay sequence, re-resolving the target address before
// each attempt, and alerts once when the sequence is exhausted.
package retry
