package protocol

import "github.com/luxfi/benchmark/pkg/party"

// Frontend is the user-interaction boundary the session drives. Prompt
// methods return channels instead of blocking so the session loop keeps
// processing transport events while the user thinks; implementations run
// their own input goroutines.
type Frontend interface {
	// PromptLeaderStart arms the leader's start prompt. Every press of
	// Enter delivers one value; the session ignores presses while the
	// roster is still too small.
	PromptLeaderStart() <-chan struct{}

	// PromptJoinConfirm asks the user to approve the frozen roster, which
	// the session passes to DisplayRoster just before. Exactly one answer
	// is delivered.
	PromptJoinConfirm(roster *party.Roster) <-chan bool

	// DisplayRoster shows the current roster after a membership change.
	DisplayRoster(roster *party.Roster)

	// DisplayAddress prints the leader's externally reachable
	// multiaddress, exactly once.
	DisplayAddress(addr string)

	// DisplayResult delivers the per-key averages.
	DisplayResult(results map[string]string)

	// DisplayError renders a fatal session error.
	DisplayError(err error)
}
