// benchmark-cli runs one privacy-preserving benchmarking session: it joins
// (or opens) the session topic, exchanges additive shares of the local
// inputs with the other participants, and prints only the per-key averages.
package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/luxfi/benchmark/internal/frontend"
	"github.com/luxfi/benchmark/internal/input"
	"github.com/luxfi/benchmark/internal/p2p"
	"github.com/luxfi/benchmark/pkg/envelope"
	"github.com/luxfi/benchmark/pkg/protocol"
)

var log = logging.Logger("benchmark/cli")

// Exit codes are part of the tool's contract.
const (
	exitOK        = 0
	exitConfig    = 1
	exitProtocol  = 2
	exitUserAbort = 3
)

var (
	displayName string
	inputPath   string
	dialAddr    string

	rootCmd = &cobra.Command{
		Use:   "benchmark-cli",
		Short: "Peer-to-peer privacy-preserving benchmarking",
		Long: `Computes per-key averages over the private inputs of three or more
participants. Individual values never leave the local machine unmasked;
only additive shares and partial sums are exchanged.

Without --address the process opens a session and prints the multiaddress
for others to join. With --address it joins the session running there.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	rootCmd.Flags().StringVar(&displayName, "name", "", "display name shown to other participants (required)")
	rootCmd.Flags().StringVar(&inputPath, "input", "", "path to the JSON input file (required)")
	rootCmd.Flags().StringVar(&dialAddr, "address", "", "multiaddress of the session leader; omit to lead")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var silent *displayedError
		if !errors.As(err, &silent) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// displayedError marks a failure the session frontend already rendered.
type displayedError struct {
	err error
}

func (e *displayedError) Error() string { return e.err.Error() }
func (e *displayedError) Unwrap() error { return e.err }

func run(cmd *cobra.Command, _ []string) error {
	if displayName == "" {
		return &protocol.Error{Kind: protocol.KindConfig, Reason: protocol.ReasonBadInput, Detail: "--name is required"}
	}
	if strings.ContainsAny(displayName, "\r\n") {
		return &protocol.Error{Kind: protocol.KindConfig, Reason: protocol.ReasonBadInput, Detail: "--name must not contain newlines"}
	}
	if inputPath == "" {
		return &protocol.Error{Kind: protocol.KindConfig, Reason: protocol.ReasonBadInput, Detail: "--input is required"}
	}

	inputs, err := input.Load(inputPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	identity, err := envelope.NewIdentity(rand.Reader)
	if err != nil {
		return err
	}
	fmt.Printf("Your session fingerprint: %s\n", identity.ID.Format())

	tr, err := p2p.New(ctx, p2p.Options{Dial: dialAddr})
	if err != nil {
		return &protocol.Error{Kind: protocol.KindTransport, Reason: protocol.ReasonPeerLost, Detail: err.Error()}
	}

	sess, err := protocol.NewSession(protocol.Config{
		Identity:  identity,
		Name:      displayName,
		Inputs:    inputs,
		Leader:    dialAddr == "",
		Frontend:  frontend.NewTerminal(),
		Transport: tr,
		Rand:      rand.Reader,
	})
	if err != nil {
		_ = tr.Close()
		return err
	}

	if _, err := sess.Run(ctx); err != nil {
		return &displayedError{err: err}
	}
	log.Debug("session finished cleanly")
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		switch perr.Kind {
		case protocol.KindConfig:
			return exitConfig
		case protocol.KindUser, protocol.KindTimeout:
			return exitUserAbort
		default:
			return exitProtocol
		}
	}
	var bad *input.BadInputError
	if errors.As(err, &bad) {
		return exitConfig
	}
	return exitConfig
}
