// Package frontend implements the session's user-interaction contract on a
// plain terminal. Prompts run on their own goroutines and report through
// channels, so the session loop never stops processing network events while
// the user is thinking.
package frontend

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/luxfi/benchmark/pkg/party"
	"github.com/luxfi/benchmark/pkg/protocol"
)

// Terminal talks to the user over stdin/stdout.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
	err io.Writer
}

var _ protocol.Frontend = (*Terminal)(nil)

// NewTerminal wires the standard streams.
func NewTerminal() *Terminal {
	return &Terminal{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stdout,
		err: os.Stderr,
	}
}

// PromptLeaderStart delivers one value per Enter press until the session
// ends.
func (t *Terminal) PromptLeaderStart() <-chan struct{} {
	fmt.Fprintln(t.out, "Press Enter to start the benchmark once all participants have joined.")
	ch := make(chan struct{})
	go func() {
		for {
			if _, err := t.in.ReadString('\n'); err != nil {
				return
			}
			ch <- struct{}{}
		}
	}()
	return ch
}

// PromptJoinConfirm asks for approval of the roster the session has just
// displayed.
func (t *Terminal) PromptJoinConfirm(*party.Roster) <-chan bool {
	fmt.Fprint(t.out, "Compare the fingerprints out of band. Start the benchmark? [y/N] ")
	ch := make(chan bool, 1)
	go func() {
		line, err := t.in.ReadString('\n')
		if err != nil {
			ch <- false
			return
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		ch <- answer == "y" || answer == "yes"
	}()
	return ch
}

// DisplayRoster prints every participant with its verification fingerprint.
func (t *Terminal) DisplayRoster(roster *party.Roster) {
	fmt.Fprintf(t.out, "%d participant(s):\n", roster.Len())
	for _, p := range roster.Entries() {
		fmt.Fprintf(t.out, "  %s  %s\n", p.ID.Format(), p.Name)
	}
}

// DisplayAddress prints the advertised multiaddress on a line of its own,
// for joiners to paste verbatim.
func (t *Terminal) DisplayAddress(addr string) {
	fmt.Fprintln(t.out, addr)
}

// DisplayResult prints the per-key averages in key order.
func (t *Terminal) DisplayResult(results map[string]string) {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(t.out, "Average results:")
	for _, k := range keys {
		fmt.Fprintf(t.out, "  %s: %s\n", k, results[k])
	}
}

// DisplayError renders a fatal error.
func (t *Terminal) DisplayError(err error) {
	fmt.Fprintf(t.err, "error: %v\n", err)
}
