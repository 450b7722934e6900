// Package agent assembles stimuli and memos into a runnable agent.
//
// A Definition is built once through a Builder and describes what the agent
// reacts to. Each call to NewRuntime produces an independent instance that
// owns one stimulus engine per declared stimulus and drives their startup,
// coordinated shutdown and fatal-error escalation. Stop may be called from
// any goroutine, including a signal handler; handlers running inside the
// runtime use Finish or Fail instead, since Stop waits for them to return.
package agent
