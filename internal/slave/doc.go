// Package slave 实现 taskmesh 的工作节点。
//
// A Slave finds its master by trying candidate addresses on the initialize port,
// binds the task port it is given, and then answers heartbeats and accepts tasks
// there in the background. Callers pull tasks with WaitForTask and report them
// with FinishTask, one task at a time. When the master stops talking for longer
// than max_disconnects accept windows, the slave tears its listener down and
// discovers a master again from scratch.
package slave
