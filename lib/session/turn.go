// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package session

// turn is a contiguous run of messages forming one exchange: a user
// message and everything after it up to the next user message.
type turn struct {
	start int // inclusive
	end   int // exclusive

	// answered is set when the run contains an assistant message.
	answered bool
}

// groupTurns partitions messages into turns. Messages before the
// first user message belong to no turn; the returned preamble is
// their count. Consecutive user messages each start their own turn,
// so an unanswered user message in the middle of a history is still a
// turn of its own.
func groupTurns(messages []Message) (turns []turn, preamble int) {
	current := -1
	for index, message := range messages {
		switch message.Role {
		case RoleUser:
			if current >= 0 {
				turns[current].end = index
			}
			turns = append(turns, turn{start: index})
			current = len(turns) - 1
		case RoleAssistant:
			if current >= 0 {
				turns[current].answered = true
			}
		}
	}
	if current < 0 {
		return nil, len(messages)
	}
	turns[current].end = len(messages)
	return turns, turns[0].start
}

// splitPending separates a trailing unanswered turn (the message
// awaiting a reply) from the settled history before it.
func splitPending(turns []turn) (settled []turn, pending *turn) {
	if len(turns) > 0 && !turns[len(turns)-1].answered {
		return turns[:len(turns)-1], &turns[len(turns)-1]
	}
	return turns, nil
}
