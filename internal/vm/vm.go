// Package vm holds the persistent side of instance management: the
// inventory registry, the copy-on-write overlay store and the SSH key pair
// used to reach guests.
package vm
