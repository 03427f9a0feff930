// Package backend defines the interface machine backends implement to carry
// out an operation's work, a registry that routes operation kinds to
// backends, and a simulated backend.
package backend
