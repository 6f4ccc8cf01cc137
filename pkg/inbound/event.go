package inbound

import (
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider identifiers for the two ingestion paths.
const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
)

// Confidence levels assigned by the matcher. An exact provider-thread-id
// correlation is trusted fully; the participant+subject heuristic is
// recorded at 0.6 and only applied when it picks a single candidate,
// with an audit log line.
const (
	ConfidenceExact     = 1.0
	ConfidenceHeuristic = 0.6
)

// ThreadMessage is one message of a fetched provider thread.
type ThreadMessage struct {
	From         string
	To           []string
	Cc           []string
	Subject      string
	Snippet      string
	InternalDate time.Time
}

// ThreadEvent is the normalized reply signal both providers converge
// on. IsReply is true iff the provider thread holds more than one
// message.
type ThreadEvent struct {
	ID              uuid.UUID
	Provider        string
	ThreadID        string
	MessageCount    int
	Participants    []string
	IsReply         bool
	OriginalSender  string
	Subject         string
	ReceivedAt      time.Time
	MatchConfidence float64
	InstanceID      *uuid.UUID
}

// NormalizeThread builds a ThreadEvent from a provider thread's
// messages.
func NormalizeThread(provider, threadID string, messages []ThreadMessage) *ThreadEvent {
	ev := &ThreadEvent{
		ID:           uuid.New(),
		Provider:     provider,
		ThreadID:     threadID,
		MessageCount: len(messages),
		IsReply:      len(messages) > 1,
		ReceivedAt:   time.Now(),
	}

	seen := make(map[string]bool)
	add := func(header string) {
		for _, addr := range parseAddressList(header) {
			if !seen[addr] {
				seen[addr] = true
				ev.Participants = append(ev.Participants, addr)
			}
		}
	}

	for i, msg := range messages {
		add(msg.From)
		for _, to := range msg.To {
			add(to)
		}
		for _, cc := range msg.Cc {
			add(cc)
		}
		if i == 0 {
			ev.Subject = msg.Subject
			if from := parseAddressList(msg.From); len(from) > 0 {
				ev.OriginalSender = from[0]
			}
		}
	}
	if len(messages) > 0 {
		// The newest message carries the reply's arrival time.
		last := messages[len(messages)-1].InternalDate
		if !last.IsZero() {
			ev.ReceivedAt = last
		}
	}

	sort.Strings(ev.Participants)
	return ev
}

// parseAddressList extracts lowercase addresses out of "Name <addr>"
// style headers, tolerating bare addresses and comma-separated lists.
func parseAddressList(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	var out []string
	if addrs, err := mail.ParseAddressList(header); err == nil {
		for _, a := range addrs {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}

	// Fall back to naive extraction for headers the strict parser
	// rejects.
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if i := strings.Index(part, "<"); i >= 0 {
			if j := strings.Index(part, ">"); j > i {
				part = part[i+1 : j]
			}
		}
		if strings.Contains(part, "@") {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

// NormalizeSubject strips reply/forward prefixes so the heuristic can
// correlate "Re: Quick question" with the original send.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		switch {
		case strings.HasPrefix(lower, "re:"):
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "fwd:"):
			s = strings.TrimSpace(s[4:])
		case strings.HasPrefix(lower, "fw:"):
			s = strings.TrimSpace(s[3:])
		default:
			return s
		}
	}
}
