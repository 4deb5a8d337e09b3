// Package events provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams, shared through a consumer group or read
//     independently by every subscriber
//   - memory: in-process fan-out with a queue per subscriber
package events
