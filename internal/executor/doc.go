// Package executor walks workflow templates for media requests. It runs one
// depth-first walk per execution, bounded by a global concurrency cap, and
// persists context and cursor after every node so a restart resumes from the
// last completed step. Failed retryable steps are handed to the retry
// strategy; the executions they park stay RUNNING and a sweeper picks them
// back up once their retry window opens.
package executor
