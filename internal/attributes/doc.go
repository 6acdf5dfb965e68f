// Package attributes evaluates user-supplied expr-lang expressions against process records to
// produce extra span attributes.
//
// Expressions see the record's fields under short names (pid, ppid, name, path, cmdline, args,
// user, md5, sha256, pid_hash, parent_pid_hash, event_time, synthetic) plus a fields map of
// the string forms. An expression returning a map expands into one attribute per key.
package attributes
