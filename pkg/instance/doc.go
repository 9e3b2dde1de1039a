// Package instance elects a single active daemon through a heartbeat
// row in storage. A standby acquires the lock only after the active
// instance has been silent long enough, and an active instance that
// loses the lock must shut down.
package instance
