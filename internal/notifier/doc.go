// Package notifier turns departures into chat notices.
//
// A Dispatcher renders each departure with the configured templates and
// delivers it to the group it happened in through the primary Sender. The
// same notice is copied to optional mirrors (for example a Telegram chat).
//
// # Modes
//
// Text mode sends message_template with {member_name}, {member_id} and {time}
// substituted. Card mode sends a link card whose title and description take
// the same placeholders and whose thumbnail is the member's last known avatar.
//
// # Delivery
//
// Sends share one token bucket. Each attempt is bounded by a timeout and
// failed attempts are retried with jittered exponential backoff. Mirror
// failures are logged only; the primary result is what Send returns.
package notifier
