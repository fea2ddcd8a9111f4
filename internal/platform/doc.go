// Package platform defines the small capability surface the relay needs from a
// chat platform: sending, deleting and threading messages through a
// Destination, and detecting mentions. It also holds the platform-neutral text
// helpers used on the way out (message chunking) and in (mention cleaning,
// provisional thread names).
package platform
