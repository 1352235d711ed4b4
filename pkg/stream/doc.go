// Package stream runs a streaming send: it drives the tool loop with a step
// function that drains a backend stream into an assistant placeholder,
// publishing each delta and persisting the growing text on a throttle.
//
// Invariants:
//   - Every step ends with a done event followed by a forced persist.
//   - A failed send keeps the partial text and ends with one done event
//     carrying the error.
//   - After an exec tool message the next step streams into a new assistant
//     message, announced by new_role on its first event.
package stream
