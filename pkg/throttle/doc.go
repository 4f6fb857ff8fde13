// Package throttle provides a pass-through writer that paces bytes to a fixed rate.
//
// It is used to release an encoded audio file to listeners at real playback
// speed:
//   - bytes are forwarded downstream unmodified, in order
//   - pacing uses a token bucket sized to one chunk
//   - End terminates the stage deterministically, flushing the bytes of the
//     write in progress and failing every later write with ErrEnded
package throttle
