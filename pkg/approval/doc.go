// Package approval gates agent tool use behind allow/deny rules and
// interactive decisions.
//
// A Gateway is created per run. It evaluates, in order: the bypass flag, the
// run's deny rules, the run's allow rules, and finally asks the user. The
// interactive path publishes a tool-approval-request envelope and parks the
// request in a Broker until one of three things happens: a decision is routed
// in by request id, the local timeout fires, or the engine cancels the
// request. The first of these wins.
//
// Rules are either a bare tool name ("Write") or the Bash prefix shorthand
// "Bash(git status:*)", which matches Bash calls whose command starts with
// the given prefix.
package approval
