// Package memo holds the named, lazily-constructed objects that every work
// unit of an agent shares.
//
// Each memo has its own mutex, so unrelated memos never contend. A memo's
// generator runs at most once successfully for the lifetime of the registry;
// the value it returns is never replaced, only mutated in place by callers.
//
// Unsafe memos (the default) may only be touched inside Access, which holds
// the memo's lock for the duration of the callback. Asking for an unsafe memo
// through Value fails with a lock discipline error. Safe memos hold objects
// that synchronise themselves and may be read through Value.
//
// Lock ordering: when a callback needs several memos at once, acquire them in
// declaration order. The registry does not detect ordering violations; nesting
// Access calls in any other order can deadlock. AccessMany acquires a set of
// memos in declaration order on the caller's behalf. Access on a memo that the
// current goroutine already holds deadlocks as well, since the locks are not
// reentrant.
package memo
